package runner

import (
	"context"
	"errors"

	"github.com/aristath/autopilot/internal/agent"
)

// ErrHelpChannelClosed is returned by Ask once the handler has exited.
var ErrHelpChannelClosed = errors.New("help channel closed")

// HelpFunc answers a help request, typically by asking a human. The
// returned string is free-form guidance recorded against the task.
type HelpFunc func(ctx context.Context, req agent.HelpRequest) (string, error)

type helpAsk struct {
	req        agent.HelpRequest
	responseCh chan helpAnswer
}

type helpAnswer struct {
	guidance string
	err      error
}

// HelpChannel delivers help requests from running tasks to a single
// handler goroutine without blocking unrelated tasks.
type HelpChannel struct {
	requestCh chan helpAsk
	answerFn  HelpFunc
	done      chan struct{}
}

// NewHelpChannel creates a help channel buffering up to bufferSize requests.
func NewHelpChannel(bufferSize int, answerFn HelpFunc) *HelpChannel {
	return &HelpChannel{
		requestCh: make(chan helpAsk, bufferSize),
		answerFn:  answerFn,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (h *HelpChannel) Start(ctx context.Context) {
	go h.handle(ctx)
}

func (h *HelpChannel) handle(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-h.requestCh:
			guidance, err := h.answerFn(ctx, q.req)

			select {
			case <-ctx.Done():
				q.responseCh <- helpAnswer{err: ctx.Err()}
				return
			default:
				q.responseCh <- helpAnswer{guidance: guidance, err: err}
			}
		}
	}
}

// Ask sends a help request and waits for guidance. It respects ctx at both
// the send and the receive stage.
func (h *HelpChannel) Ask(ctx context.Context, req agent.HelpRequest) (string, error) {
	responseCh := make(chan helpAnswer, 1)

	select {
	case <-h.done:
		return "", ErrHelpChannelClosed
	default:
	}

	select {
	case h.requestCh <- helpAsk{req: req, responseCh: responseCh}:
	case <-h.done:
		return "", ErrHelpChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case answer := <-responseCh:
		if answer.err != nil {
			return "", answer.err
		}
		return answer.guidance, nil
	case <-h.done:
		// The handler may have answered just before exiting.
		select {
		case answer := <-responseCh:
			if answer.err != nil {
				return "", answer.err
			}
			return answer.guidance, nil
		default:
			return "", ErrHelpChannelClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (h *HelpChannel) Stop() {
	<-h.done
}
