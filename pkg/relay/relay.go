package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paul/grapevine/internal/chain"
	"github.com/paul/grapevine/internal/notifier"
	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip11"
	"github.com/paul/grapevine/pkg/nips/nip42"
	"github.com/paul/grapevine/pkg/protocol"
	"github.com/paul/grapevine/pkg/ratelimit"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Version of the relay
const Version = "0.1.0"

// SupportedNIPs is advertised in the NIP-11 document.
var SupportedNIPs = []int{1, 2, 9, 10, 11, 18, 22, 25, 42, 45, 50, 57}

// Processor runs a submitted event through ingestion.
type Processor interface {
	Process(ctx context.Context, evt *event.Event, src pipeline.Source) pipeline.Outcome
}

// Moderator decides whether a live event reaches a subscriber. The viewer,
// if authenticated, is in ctx.
type Moderator interface {
	Visible(ctx context.Context, evt *event.Event) (bool, error)
}

// Options wires the relay to the rest of the process.
type Options struct {
	// Store answers REQ and COUNT. It is normally the moderated chain.
	Store     storage.Store
	Pipeline  Processor
	Notifier  *notifier.Notifier
	Moderator Moderator
	Info      nip11.RelayInformationDocument
	// URL is this relay's public websocket URL, checked in AUTH events.
	URL            string
	Auth           bool
	MaxLimit       int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	// EventsPerSec and Burst bound EVENT messages per connection.
	EventsPerSec float64
	Burst        int64
	CORSOrigins  []string
	Log          zerolog.Logger
}

// Relay is the websocket boundary: submissions go to the pipeline, reads
// go to the store, live results come from the notifier.
type Relay struct {
	opts     Options
	clients  *xsync.MapOf[*protocol.Client, *ratelimit.Limiter]
	upgrader websocket.Upgrader
	server   *http.Server
	log      zerolog.Logger
}

// New creates a new relay instance
func New(opts Options) *Relay {
	if opts.Info.Software == "" {
		opts.Info.Software = "https://github.com/paul/grapevine"
	}
	if opts.Info.Version == "" {
		opts.Info.Version = Version
	}
	if opts.Info.SupportedNIPs == nil {
		opts.Info.SupportedNIPs = SupportedNIPs
	}
	if opts.Info.Limitation == nil {
		opts.Info.Limitation = &nip11.Limitation{
			MaxMessageLength: int(opts.MaxMessageSize),
			MaxLimit:         opts.MaxLimit,
		}
	}
	return &Relay{
		opts:    opts,
		clients: xsync.NewMapOf[*protocol.Client, *ratelimit.Limiter](),
		upgrader: websocket.Upgrader{
			// origins are enforced by the CORS layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: opts.Log.With().Str("component", "relay").Logger(),
	}
}

// Handler returns the relay wrapped in CORS handling.
func (r *Relay) Handler() http.Handler {
	origins := r.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// ServeHTTP serves the NIP-11 document or upgrades to a websocket.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == "application/nostr+json" {
		data, err := r.opts.Info.ToJSON()
		if err != nil {
			http.Error(w, "failed to encode relay information", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write(data)
		return
	}

	if !websocket.IsWebSocketUpgrade(req) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("this is a nostr relay, connect with a websocket client\n"))
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := protocol.NewClient(conn, r, protocol.ClientOptions{
		MaxMessageSize: r.opts.MaxMessageSize,
		WriteTimeout:   r.opts.WriteTimeout,
		Log:            r.log,
	})
	r.clients.Store(client, ratelimit.New(r.opts.EventsPerSec, r.opts.Burst))
	defer func() {
		r.clients.Delete(client)
		client.Close()
	}()

	if r.opts.Auth {
		client.SendAuth()
	}
	client.Start(req.Context())
}

// HandleEvent submits an EVENT to the pipeline and answers with OK.
func (r *Relay) HandleEvent(ctx context.Context, c *protocol.Client, evt *event.Event) error {
	if evt.Kind == event.KindAuth {
		return c.SendOK(evt.ID, false, protocol.Prefixed("invalid", "auth events belong in AUTH messages"))
	}
	if lim, ok := r.clients.Load(c); ok && !lim.Allow() {
		return c.SendOK(evt.ID, false, protocol.Prefixed("rate-limited", "slow down"))
	}

	out := r.opts.Pipeline.Process(ctx, evt, pipeline.SourceDirect)
	return c.SendOK(evt.ID, out.Accepted(), out.Message())
}

// HandleReq answers stored events, sends EOSE, then streams live matches
// until CLOSE or disconnect.
func (r *Relay) HandleReq(ctx context.Context, c *protocol.Client, subID string, filters []*event.Filter) error {
	r.clampLimits(filters)
	ctx = r.viewerContext(ctx, c)

	subCtx, cancel := context.WithCancel(ctx)
	c.AddSubscription(subID, cancel)

	// subscribe first so nothing published during the query is lost
	var live *notifier.Subscription
	if r.opts.Notifier != nil {
		live = r.opts.Notifier.Subscribe(subCtx, filters)
	}

	events, err := r.opts.Store.QueryEvents(subCtx, filters)
	if err != nil {
		c.RemoveSubscription(subID)
		r.log.Warn().Err(err).Str("subscription", subID).Msg("query failed")
		return c.SendClosed(subID, protocol.Prefixed("error", "could not query events"))
	}

	for _, evt := range events {
		if evt.IsExpired(time.Now()) {
			continue
		}
		if err := c.SendEvent(subID, evt); err != nil {
			return err
		}
	}
	if err := c.SendEOSE(subID); err != nil {
		return err
	}

	if live != nil {
		go r.stream(subCtx, c, subID, live)
	}
	return nil
}

func (r *Relay) stream(ctx context.Context, c *protocol.Client, subID string, live *notifier.Subscription) {
	defer live.Close()
	for {
		select {
		case <-live.Done():
			return
		case <-c.Done():
			return
		case evt := <-live.C():
			if r.opts.Moderator != nil {
				ok, err := r.opts.Moderator.Visible(ctx, evt)
				if err != nil || !ok {
					continue
				}
			}
			if err := c.SendEvent(subID, evt); err != nil {
				return
			}
		}
	}
}

// HandleClose ends a subscription.
func (r *Relay) HandleClose(ctx context.Context, c *protocol.Client, subID string) error {
	c.RemoveSubscription(subID)
	return nil
}

// HandleCount answers a NIP-45 COUNT through the store.
func (r *Relay) HandleCount(ctx context.Context, c *protocol.Client, countID string, filters []*event.Filter) error {
	n, err := r.opts.Store.CountEvents(r.viewerContext(ctx, c), filters)
	if err != nil {
		r.log.Warn().Err(err).Str("count", countID).Msg("count failed")
		return c.SendClosed(countID, protocol.Prefixed("error", "could not count events"))
	}
	return c.SendCount(countID, n)
}

// HandleAuth checks a NIP-42 response and, on success, makes its pubkey
// the connection's viewer.
func (r *Relay) HandleAuth(ctx context.Context, c *protocol.Client, evt *event.Event) error {
	if err := nip42.ValidateAuthEvent(evt, c.Challenge(), r.opts.URL, time.Now()); err != nil {
		return c.SendOK(evt.ID, false, protocol.Prefixed("invalid", err.Error()))
	}
	c.SetPubKey(evt.PubKey)
	r.log.Debug().Str("pubkey", evt.PubKey).Str("remote", c.RemoteAddr()).Msg("client authenticated")
	return c.SendOK(evt.ID, true, "")
}

func (r *Relay) viewerContext(ctx context.Context, c *protocol.Client) context.Context {
	if pk, ok := c.PubKey(); ok {
		return chain.WithViewer(ctx, pk)
	}
	return ctx
}

// clampLimits bounds every filter to MaxLimit. A filter without a limit
// gets MaxLimit.
func (r *Relay) clampLimits(filters []*event.Filter) {
	if r.opts.MaxLimit <= 0 {
		return
	}
	for _, f := range filters {
		if f.Limit == nil || *f.Limit > r.opts.MaxLimit {
			limit := r.opts.MaxLimit
			f.Limit = &limit
		}
	}
}

// Clients returns the number of open connections.
func (r *Relay) Clients() int {
	return r.clients.Size()
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
// TLS is used when both certFile and keyFile are set.
func (r *Relay) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.Info().Str("addr", addr).Bool("tls", certFile != "").Msg("relay listening")
		var err error
		if certFile != "" && keyFile != "" {
			err = r.server.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = r.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Close()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every client. The store is owned by the caller.
func (r *Relay) Close() {
	r.clients.Range(func(c *protocol.Client, _ *ratelimit.Limiter) bool {
		c.Close()
		return true
	})
}
