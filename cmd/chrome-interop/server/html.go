package server

// HTMLPage is the HTML content for the browser UI.
// It starts a receive-only call and shows the sender's controller state.
const HTMLPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoogCC Chrome Interop</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-bottom: 10px; }
        .subtitle { color: #666; margin-bottom: 30px; }
        button {
            background: #4285f4;
            color: white;
            border: none;
            padding: 12px 24px;
            border-radius: 4px;
            cursor: pointer;
            font-size: 16px;
            margin-right: 10px;
        }
        button:hover { background: #3367d6; }
        button:disabled { background: #ccc; cursor: not-allowed; }
        button.stop { background: #ea4335; }
        button.stop:hover { background: #d93025; }
        #status {
            margin: 20px 0;
            padding: 15px;
            border-radius: 4px;
            font-weight: 500;
        }
        .status-waiting { background: #fff3cd; color: #856404; }
        .status-connecting { background: #cce5ff; color: #004085; }
        .status-connected { background: #d4edda; color: #155724; }
        .status-error { background: #f8d7da; color: #721c24; }
        .status-closed { background: #e2e3e5; color: #383d41; }
        #video {
            width: 100%;
            max-width: 640px;
            background: #000;
            border-radius: 4px;
            margin: 20px 0;
        }
        .instructions {
            background: #e8f4fc;
            padding: 20px;
            border-radius: 4px;
            margin-top: 20px;
        }
        .instructions h3 { margin-top: 0; color: #1a73e8; }
        .instructions ol { margin-bottom: 0; }
        table { border-collapse: collapse; width: 100%; margin-top: 10px; }
        td { padding: 4px 8px; border-bottom: 1px solid #eee; font-family: 'SF Mono', Consolas, monospace; }
        td:first-child { color: #666; }
        .instructions code {
            background: #f1f3f4;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'SF Mono', Consolas, monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>GoogCC Chrome Interop</h1>
        <p class="subtitle">Chrome receives synthetic video paced by the server's congestion controller</p>

        <div>
            <button id="startBtn" onclick="startCall()">Start Call</button>
            <button id="stopBtn" onclick="stopCall()" class="stop" disabled>Stop Call</button>
        </div>

        <div id="status" class="status-waiting">Status: Waiting to start</div>

        <video id="video" autoplay muted playsinline></video>

        <table id="stats"></table>

        <div class="instructions">
            <h3>Verification Steps</h3>
            <ol>
                <li>Open <code>chrome://webrtc-internals</code> before starting the call</li>
                <li>Click "Start Call" above</li>
                <li>Check that <code>inbound-rtp</code> bytesReceived grows with the target below</li>
                <li>Throttle the network in DevTools and watch the target follow</li>
                <li>Scrape <code>/metrics</code> for the Prometheus view</li>
            </ol>
        </div>
    </div>

    <script>
        let pc = null;
        let statsTimer = null;

        function setStatus(message, type) {
            const status = document.getElementById('status');
            status.textContent = 'Status: ' + message;
            status.className = 'status-' + type;
        }

        async function refreshStats() {
            const response = await fetch('/stats');
            if (!response.ok) {
                return;
            }
            const sessions = await response.json();
            const table = document.getElementById('stats');
            table.innerHTML = '';
            if (sessions.length === 0) {
                return;
            }
            const s = sessions[sessions.length - 1];
            for (const [key, value] of Object.entries(s)) {
                const row = table.insertRow();
                row.insertCell().textContent = key;
                row.insertCell().textContent = value;
            }
        }

        async function startCall() {
            document.getElementById('startBtn').disabled = true;
            document.getElementById('stopBtn').disabled = false;

            try {
                setStatus('Creating connection...', 'connecting');
                pc = new RTCPeerConnection({ iceServers: [] });
                pc.addTransceiver('video', { direction: 'recvonly' });

                pc.ontrack = (event) => {
                    document.getElementById('video').srcObject = new MediaStream([event.track]);
                };

                pc.onconnectionstatechange = () => {
                    console.log('Connection state:', pc.connectionState);
                    if (pc.connectionState === 'connected') {
                        setStatus('Connected, receiving video', 'connected');
                    } else if (pc.connectionState === 'failed') {
                        setStatus('Connection failed', 'error');
                    } else if (pc.connectionState === 'disconnected') {
                        setStatus('Disconnected', 'closed');
                    }
                };

                await pc.setLocalDescription(await pc.createOffer());
                await new Promise((resolve) => {
                    if (pc.iceGatheringState === 'complete') {
                        resolve();
                    } else {
                        pc.onicecandidate = (e) => { if (e.candidate === null) resolve(); };
                    }
                });

                setStatus('Sending offer to server...', 'connecting');
                const response = await fetch('/offer', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify(pc.localDescription)
                });
                if (!response.ok) {
                    throw new Error('Server returned ' + response.status);
                }
                await pc.setRemoteDescription(await response.json());
                statsTimer = setInterval(refreshStats, 1000);
            } catch (err) {
                setStatus('Error: ' + err.message, 'error');
                console.error('Error starting call:', err);
                stopCall();
            }
        }

        function stopCall() {
            if (statsTimer) {
                clearInterval(statsTimer);
                statsTimer = null;
            }
            if (pc) {
                pc.close();
                pc = null;
            }
            document.getElementById('video').srcObject = null;
            document.getElementById('startBtn').disabled = false;
            document.getElementById('stopBtn').disabled = true;
            setStatus('Call ended', 'closed');
        }
    </script>
</body>
</html>`
