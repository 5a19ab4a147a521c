package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
)

const maxLineBytes = 10 * 1024 * 1024

// Serve runs the stdio JSON-RPC loop: one request object per line in,
// one response object per line out, until ctx is canceled or in reaches
// EOF. Malformed lines get a synthetic InvalidArgs envelope rather than
// aborting the loop, matching the teacher pack's MCP-over-stdio framing.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)

	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{Result: fail(CodeInvalidArgs, "parse error: "+err.Error(), nil)}); encErr != nil {
				return encErr
			}
			continue
		}

		env := s.Dispatch(ctx, req.Method, req.Params)
		if err := enc.Encode(Response{ID: req.ID, Result: env}); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Log.Error("rpc: stdin scan failed", "err", err)
		return err
	}
	return nil
}
