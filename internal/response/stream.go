package response

import "io"

// EventStream yields canonical events in delivery order. Recv returns io.EOF
// once the stream has ended cleanly.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// SliceStream replays a fixed list of events. Useful for replays and tests.
type SliceStream struct {
	events []Event
	pos    int
}

func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{events: events}
}

func (s *SliceStream) Recv() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *SliceStream) Close() error {
	s.pos = len(s.events)
	return nil
}
