package interceptor

import (
	"sync"

	"github.com/thesyncim/googcc/pkg/bwe"
)

// feedbackPool reuses the packet slices of converted transport feedback.
// The controller reads a report only for the duration of the call, so the
// slice can go back to the pool once OnTransportPacketsFeedback returns.
var feedbackPool = sync.Pool{
	New: func() any {
		s := make([]bwe.PacketResult, 0, 64)
		return &s
	},
}

func getFeedbackSlice() *[]bwe.PacketResult {
	return feedbackPool.Get().(*[]bwe.PacketResult)
}

func putFeedbackSlice(s *[]bwe.PacketResult) {
	*s = (*s)[:0]
	feedbackPool.Put(s)
}
