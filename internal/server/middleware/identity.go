package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/meridian/internal/crypto"
)

// Wallet identity headers.
const (
	HeaderAddress   = "X-Meridian-Address"
	HeaderTimestamp = "X-Meridian-Timestamp"
	HeaderSignature = "X-Meridian-Signature"
)

// maxSignedBody bounds how much of a request body is buffered for hashing.
const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller returns a context carrying the authenticated wallet address.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the wallet address attached by Identity, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// RequestVerifier checks a signed request envelope.
type RequestVerifier interface {
	Verify(a crypto.RequestAuth) error
}

// Identity attaches the caller's wallet address to requests that carry
// X-Meridian-Address. When verifier is non-nil the request must also carry
// an EIP-712 signature over method, path, body hash and timestamp; with a
// nil verifier the address header is trusted as is. Requests without the
// header pass through anonymously.
func Identity(verifier RequestVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderAddress))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeUnauthorized(w, "invalid caller address")
				return
			}
			addr := common.HexToAddress(raw)

			if verifier != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
				if err != nil {
					writeUnauthorized(w, "unreadable request body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
				if err != nil {
					writeUnauthorized(w, "missing or malformed request timestamp")
					return
				}
				auth := crypto.RequestAuth{
					Caller:    addr,
					Method:    r.Method,
					Path:      r.URL.Path,
					Body:      body,
					Timestamp: ts,
					Signature: r.Header.Get(HeaderSignature),
				}
				if err := verifier.Verify(auth); err != nil {
					logger.WarnContext(r.Context(), "request signature rejected",
						slog.String("caller", addr.Hex()),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					writeUnauthorized(w, "invalid request signature")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}
