package graphql

import "context"

// ResponseStream delivers one or more responses. Federation fetches and
// router executions produce a single response; the channel shape keeps the
// contract open for incremental delivery.
type ResponseStream <-chan *Response

// Once returns a closed stream yielding res.
func Once(res *Response) ResponseStream {
	ch := make(chan *Response, 1)
	ch <- res
	close(ch)
	return ch
}

// Empty returns a closed stream with no responses.
func Empty() ResponseStream {
	ch := make(chan *Response)
	close(ch)
	return ch
}

// Go runs fn in its own goroutine and streams its single result.
func Go(fn func() *Response) ResponseStream {
	ch := make(chan *Response, 1)
	go func() {
		defer close(ch)
		ch <- fn()
	}()
	return ch
}

// First waits for the first response of s. It reports false when the stream
// closes without a response or ctx is done first.
func First(ctx context.Context, s ResponseStream) (*Response, bool) {
	select {
	case res, ok := <-s:
		if !ok || res == nil {
			return nil, false
		}
		return res, true
	case <-ctx.Done():
		return nil, false
	}
}
