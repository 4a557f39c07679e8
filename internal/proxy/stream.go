package proxy

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/sse"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

const (
	// pingInterval keeps idle SSE connections alive.
	pingInterval = 25 * time.Second

	// abandonAfter cancels a stream with no write activity for this long;
	// the client is presumed gone.
	abandonAfter = 300 * time.Second
)

// streamEncoder is the dialect-specific SSE re-encoder.
type streamEncoder interface {
	kiro.Handler
	Ping()
	Result() *translate.Result
}

// streamResponse re-encodes the upstream event stream as SSE in the caller's
// dialect. done fires exactly once after the stream drains or fails, with the
// accumulated result and the writer's terminal error, if any.
//
// The handler returns immediately; fasthttp invokes the body writer on its
// own goroutine, so nothing here may touch ctx after this call.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, anthropic bool, modelName string, body io.ReadCloser, done func(res *translate.Result, streamErr error)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer must not crash the server
		defer body.Close()

		sctx, cancel := context.WithCancel(g.baseCtx)
		defer cancel()

		sw := sse.NewWriter(w)
		var enc streamEncoder
		if anthropic {
			enc = sse.NewAnthropicEncoder(sw, modelName)
		} else {
			enc = sse.NewOpenAIEncoder(sw, modelName)
		}

		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sw.Failed():
					// Client disconnected; stop feeding the decoder and
					// close the body to unblock its pending read.
					cancel()
					body.Close()
					return
				case <-ticker.C:
					if time.Since(sw.LastActivity()) > abandonAfter {
						cancel()
						body.Close()
						return
					}
					enc.Ping()
				case <-stop:
					return
				}
			}
		}()

		dec := kiro.NewDecoder(enc)
		dec.Run(sctx, body)
		close(stop)

		sw.Flush()
		done(enc.Result(), sw.Err())
	})
}
