// Package payment serves the payment gateway callback that turns a paid
// bill into premium time.
package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tierbot/internal/eventbus"
	"tierbot/internal/storage"
	kit "tierbot/internal/transport"
	logx "tierbot/pkg/logx"
)

const (
	msgPaid   = "Payment successful! You now have access to premium features."
	msgFailed = "Payment failed. Please try again."

	statusPaid = "1"
	seenBills  = 1024
)

type Config struct {
	Addr   string
	Path   string
	Secret string
	// Days of premium per successful payment.
	Days int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8081"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/payment/callback"
	}
	if c.Days <= 0 {
		c.Days = 30
	}
	return c
}

// Recorder extends a user's subscription.
type Recorder interface {
	RecordPayment(ctx context.Context, userID int64, days int) (time.Time, error)
}

// Notifier tells the payer how it went.
type Notifier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Ledger persists credited bill codes and the audit trail. A nil Ledger
// leaves deduplication to the in-process cache only.
type Ledger interface {
	ClaimBill(ctx context.Context, b storage.BillRecord) (bool, error)
	ReleaseBill(ctx context.Context, code string) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Callback is the gateway payload. The gateway posts either JSON or a form.
type Callback struct {
	BillCode string `json:"billcode" form:"billcode"`
	Status   string `json:"status" form:"status"`
	OrderID  string `json:"order_id" form:"order_id"`
}

// Event is published on eventbus.PaymentRecorded.
type Event struct {
	UserID   int64     `json:"user_id"`
	BillCode string    `json:"billcode"`
	Until    time.Time `json:"until"`
}

type Server struct {
	cfg    Config
	rec    Recorder
	notify Notifier
	ledger Ledger
	bus    eventbus.Bus
	log    logx.Logger
	router *gin.Engine

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	srvMu sync.Mutex
	srv   *http.Server
}

func New(cfg Config, rec Recorder, notify Notifier, ledger Ledger, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		rec:    rec,
		notify: notify,
		ledger: ledger,
		bus:    bus,
		log:    log,
		seen:   map[string]struct{}{},
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST(s.cfg.Path, s.handleCallback)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves until ctx ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	s.log.Info("payment callback listening", logx.String("addr", ln.Addr().String()), logx.String("path", s.cfg.Path))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srv = nil
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleCallback(c *gin.Context) {
	if s.cfg.Secret != "" {
		got := c.GetHeader("X-Callback-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var cb Callback
	if err := c.ShouldBind(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID, err := userFromOrder(cb.OrderID)
	if err != nil {
		s.log.Warn("payment callback with bad order id", logx.String("order_id", cb.OrderID), logx.String("billcode", cb.BillCode))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if strings.TrimSpace(cb.Status) != statusPaid {
		s.log.Info("payment not completed", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode), logx.String("status", cb.Status))
		s.dm(ctx, userID, msgFailed)
		s.record(ctx, storage.AuditEntry{ActorID: userID, Action: "payment", Target: cb.BillCode, Fail: 1, Error: "status " + cb.Status})
		c.JSON(http.StatusOK, gin.H{"ok": true, "paid": false})
		return
	}

	if !s.markSeen(cb.BillCode) {
		s.log.Info("duplicate payment callback ignored", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode))
		c.JSON(http.StatusOK, gin.H{"ok": true, "paid": true, "duplicate": true})
		return
	}

	claimed, err := s.claim(ctx, userID, cb.BillCode)
	if err != nil {
		s.forget(cb.BillCode)
		s.log.Error("claim bill failed", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record payment"})
		return
	}
	if !claimed {
		s.log.Info("bill already credited", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode))
		c.JSON(http.StatusOK, gin.H{"ok": true, "paid": true, "duplicate": true})
		return
	}

	until, err := s.rec.RecordPayment(ctx, userID, s.cfg.Days)
	if err != nil {
		s.forget(cb.BillCode)
		s.release(ctx, cb.BillCode)
		s.log.Error("record payment failed", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record payment"})
		return
	}
	s.log.Info("payment recorded", logx.Int64("user_id", userID), logx.String("billcode", cb.BillCode), logx.Time("until", until))
	s.record(ctx, storage.AuditEntry{ActorID: userID, Action: "payment", Target: cb.BillCode, OK: 1})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PaymentRecorded, Data: Event{UserID: userID, BillCode: cb.BillCode, Until: until}})
	}
	s.dm(ctx, userID, msgPaid)
	c.JSON(http.StatusOK, gin.H{"ok": true, "paid": true, "until": until})
}

func (s *Server) dm(ctx context.Context, userID int64, text string) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil); err != nil {
		s.log.Warn("payment notice not delivered", logx.Int64("user_id", userID), logx.Err(err))
	}
}

// claim persists the bill code before the credit. A crash between the two
// leaves the bill claimed but uncredited, which the audit trail shows as a
// claim with no matching "payment" entry.
func (s *Server) claim(ctx context.Context, userID int64, bill string) (bool, error) {
	if s.ledger == nil || bill == "" {
		return true, nil
	}
	return s.ledger.ClaimBill(context.WithoutCancel(ctx), storage.BillRecord{Code: bill, UserID: userID, PaidAt: time.Now()})
}

func (s *Server) release(ctx context.Context, bill string) {
	if s.ledger == nil || bill == "" {
		return
	}
	if err := s.ledger.ReleaseBill(context.WithoutCancel(ctx), bill); err != nil {
		s.log.Warn("release bill failed", logx.String("billcode", bill), logx.Err(err))
	}
}

func (s *Server) record(ctx context.Context, e storage.AuditEntry) {
	if s.ledger == nil {
		return
	}
	e.At = time.Now()
	if err := s.ledger.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

// markSeen reports false when the bill was already credited. Empty bill
// codes are never deduplicated.
func (s *Server) markSeen(bill string) bool {
	if bill == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[bill]; ok {
		return false
	}
	s.seen[bill] = struct{}{}
	s.order = append(s.order, bill)
	if len(s.order) > seenBills {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *Server) forget(bill string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[bill]; !ok {
		return
	}
	delete(s.seen, bill)
	for i, b := range s.order {
		if b == bill {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// userFromOrder extracts the user id from "<userID>_<bill>_<item>".
func userFromOrder(orderID string) (int64, error) {
	head, _, _ := strings.Cut(strings.TrimSpace(orderID), "_")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("order_id must start with a user id")
	}
	return id, nil
}
