package tracking

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/petrijr/stepflow/pkg/api"
)

// blankGIF is a transparent 1x1 GIF.
var blankGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Recorder receives the events observed by the handlers. api.Engine
// satisfies it.
type Recorder interface {
	InstanceOpened(ctx context.Context, instanceID string) error
	RecordClick(ctx context.Context, instanceID, linkCode, source string) (*api.Click, error)
}

// Options configure a Handler.
type Options struct {
	Signer   *Signer
	Links    api.LinkTracker
	Recorder Recorder
	Observer api.Observer
	Logger   *slog.Logger

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

// Handler serves the tracking endpoints. Event recording never changes the
// response: a bad token or a recording failure still returns the pixel or
// the redirect.
type Handler struct {
	opts Options
	mux  *http.ServeMux
}

// NewHandler returns a Handler serving
//
//	GET /track/{instanceID}/{token}/blank.gif
//	GET /r/{code}/au/{instanceID}/{token}
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /track/{instanceID}/{token}/blank.gif", h.pixel)
	h.mux.HandleFunc("GET /r/{code}/au/{instanceID}/{token}", h.click)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Register mounts the tracking routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /track/", h)
	mux.Handle("GET /r/", h)
}

func (h *Handler) pixel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := r.PathValue("instanceID")

	if err := h.verify(ctx, instanceID, r.PathValue("token")); err == nil {
		if err := h.opts.Recorder.InstanceOpened(ctx, instanceID); err != nil {
			h.opts.Logger.WarnContext(ctx, "record_open_failed",
				slog.String("instance_id", instanceID),
				slog.Any("error", err),
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blankGIF)
}

func (h *Handler) click(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := r.PathValue("code")
	instanceID := r.PathValue("instanceID")

	target, err := h.opts.Links.ResolveRedirect(ctx, code)
	if errors.Is(err, api.ErrLinkNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.opts.Logger.ErrorContext(ctx, "resolve_link_failed", slog.String("code", code), slog.Any("error", err))
		http.Error(w, "link lookup failed", http.StatusInternalServerError)
		return
	}

	if err := h.verify(ctx, instanceID, r.PathValue("token")); err == nil {
		if _, err := h.opts.Recorder.RecordClick(ctx, instanceID, code, h.clientAddr(r)); err != nil {
			h.opts.Logger.WarnContext(ctx, "record_click_failed",
				slog.String("instance_id", instanceID),
				slog.String("code", code),
				slog.Any("error", err),
			)
		}
	}

	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// verify checks the token of a callback. Rejections are reported to the
// observer and logged, never to the caller.
func (h *Handler) verify(ctx context.Context, instanceID, token string) error {
	if h.opts.Signer != nil && h.opts.Signer.Valid(instanceID, token) {
		return nil
	}
	err := api.TokenValidationError("tracking token rejected", map[string]any{"instance_id": instanceID})
	h.opts.Observer.OnEvent(ctx, &api.StepInstance{ID: instanceID}, api.EventTokenRejected)
	h.opts.Logger.DebugContext(ctx, "tracking_token_rejected", slog.String("instance_id", instanceID))
	return err
}

func (h *Handler) clientAddr(r *http.Request) string {
	if h.opts.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
