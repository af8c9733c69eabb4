// Package cas implements content-addressed, reference-counted objects on top
// of an attrstore.Backend.
//
// Every operation runs inside one Backend.Update, so it observes and mutates a
// single object under exclusive access. An object is PRESENT when the backend
// can stat it and ABSENT otherwise; nothing is cached between calls.
package cas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/cas/metadata"
	"github.com/tunnelmesh/refcas/internal/cas/pin"
	"github.com/tunnelmesh/refcas/internal/cas/refcount"
	"github.com/tunnelmesh/refcas/internal/fingerprint"
)

// FingerprintAttr holds the caller-supplied or computed content fingerprint.
const FingerprintAttr = "cas.fingerprint"

// Operation names used in logs and metrics.
const (
	OpPut  = "put"
	OpGet  = "get"
	OpUp   = "up"
	OpDown = "down"
	OpStat = "stat"
)

// Content is the decoded creation payload of a PUT.
type Content struct {
	Data     []byte
	Metadata map[string]string
	// Fingerprint is stored as FingerprintAttr when non-empty. It must parse
	// as "<algorithm>:<hex>".
	Fingerprint string
}

// PutResult reports the outcome of PUT.
type PutResult struct {
	Created  bool
	Refcount uint64
}

// DownResult reports the outcome of DOWN. Refcount is the counter after the
// decrement; Destroyed reports whether the object was removed.
type DownResult struct {
	Refcount  uint64
	Destroyed bool
	Pinned    bool
}

// Info is a read-only view of one object.
type Info struct {
	ID          string            `json:"id"`
	Size        int64             `json:"size"`
	ModTime     time.Time         `json:"mod_time"`
	Refcount    uint64            `json:"refcount"`
	Pinned      bool              `json:"pinned"`
	PinnedSince *time.Time        `json:"pinned_since,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Service dispatches CAS operations.
type Service struct {
	backend     attrstore.Backend
	ledger      *refcount.Ledger
	pins        *pin.Tracker
	metrics     *Metrics
	clock       clock.Clock
	algorithm   fingerprint.Algorithm
	maxSize     int64
	verifyReads bool
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the clock used for pin times and durations.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithFingerprint selects the algorithm PutContent derives ids with.
func WithFingerprint(a fingerprint.Algorithm) Option {
	return func(s *Service) { s.algorithm = a }
}

// WithMaxObjectSize rejects larger payloads with ErrTooLarge. Zero means
// unlimited.
func WithMaxObjectSize(n int64) Option {
	return func(s *Service) { s.maxSize = n }
}

// WithVerifyReads makes GET re-hash payloads that carry a fingerprint with a
// supported algorithm.
func WithVerifyReads(enabled bool) Option {
	return func(s *Service) { s.verifyReads = enabled }
}

// New returns a Service over backend. The caller keeps ownership of backend.
func New(backend attrstore.Backend, opts ...Option) *Service {
	s := &Service{
		backend:   backend,
		clock:     clock.New(),
		algorithm: fingerprint.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pins = pin.NewTracker(s.clock)
	s.ledger = refcount.NewLedger(s.pins)
	return s
}

// Algorithm returns the algorithm used by PutContent.
func (s *Service) Algorithm() fingerprint.Algorithm {
	return s.algorithm
}

// MaxObjectSize returns the payload limit, or 0 when unlimited.
func (s *Service) MaxObjectSize() int64 {
	return s.maxSize
}

// ContentFunc produces the creation content of a PUT. It is only called
// when the object is absent.
type ContentFunc func() (Content, error)

// Put creates the object with refcount 1, or increments the counter of an
// existing object. Data and metadata are ignored when the object exists.
func (s *Service) Put(ctx context.Context, id string, c Content) (PutResult, error) {
	return s.PutFunc(ctx, id, func() (Content, error) { return c, nil })
}

// PutFunc is Put with the content loaded on demand, so a caller can defer
// decoding a request body until the object is known to be absent. Errors
// from load or from validating its content abort before any mutation.
func (s *Service) PutFunc(ctx context.Context, id string, load ContentFunc) (res PutResult, err error) {
	defer s.observe(OpPut, s.clock.Now(), &err)

	err = s.update(ctx, id, func(obj attrstore.Object) error {
		present, err := exists(obj)
		if err != nil {
			return err
		}
		if present {
			r, err := s.ledger.Apply(obj, 1)
			if err != nil {
				return err
			}
			s.notePinned(obj.ID(), r)
			res = PutResult{Refcount: r.New}
			log.Debug().Str("id", id).Uint64("refcount", r.New).Msg("duplicate put, refcount incremented")
			return nil
		}

		c, err := load()
		if err != nil {
			return err
		}
		if err := s.validate(c); err != nil {
			return err
		}
		if err := obj.WriteFull(c.Data); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		if err := refcount.Write(obj, 1); err != nil {
			return err
		}
		if c.Fingerprint != "" {
			if err := obj.SetAttr(FingerprintAttr, []byte(c.Fingerprint)); err != nil {
				return fmt.Errorf("write fingerprint: %w", err)
			}
		}
		if err := metadata.Store(obj, c.Metadata); err != nil {
			return err
		}
		s.metrics.created(len(c.Data))
		res = PutResult{Created: true, Refcount: 1}
		log.Debug().Str("id", id).Int("size", len(c.Data)).Msg("object created")
		return nil
	})
	return res, err
}

// PutContent fingerprints c.Data with the configured algorithm and PUTs it
// under that fingerprint. It returns the derived id.
func (s *Service) PutContent(ctx context.Context, c Content) (string, PutResult, error) {
	id := string(s.algorithm.FromBytes(c.Data))
	c.Fingerprint = id
	res, err := s.Put(ctx, id, c)
	return id, res, err
}

// Get returns the payload of a present object.
func (s *Service) Get(ctx context.Context, id string) (data []byte, err error) {
	defer s.observe(OpGet, s.clock.Now(), &err)

	err = s.update(ctx, id, func(obj attrstore.Object) error {
		present, err := exists(obj)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		data, err = obj.Read()
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if s.verifyReads {
			if err := verify(obj, data); err != nil {
				return err
			}
		}
		s.metrics.read(len(data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Up increments the counter of a present object. It never creates one.
func (s *Service) Up(ctx context.Context, id string) (n uint64, err error) {
	defer s.observe(OpUp, s.clock.Now(), &err)

	err = s.update(ctx, id, func(obj attrstore.Object) error {
		present, err := exists(obj)
		if err != nil {
			return err
		}
		if !present {
			return errAbsent(id)
		}
		r, err := s.ledger.Apply(obj, 1)
		if err != nil {
			return err
		}
		s.notePinned(id, r)
		n = r.New
		log.Debug().Str("id", id).Uint64("refcount", n).Msg("refcount incremented")
		return nil
	})
	return n, err
}

// Down decrements the counter of a present object and destroys it when the
// counter reaches zero, unless it is pinned.
func (s *Service) Down(ctx context.Context, id string) (res DownResult, err error) {
	defer s.observe(OpDown, s.clock.Now(), &err)

	err = s.update(ctx, id, func(obj attrstore.Object) error {
		present, err := exists(obj)
		if err != nil {
			return err
		}
		if !present {
			return errAbsent(id)
		}
		// Pins only ever appear on increments, so the status read here
		// still holds after the decrement.
		st, err := s.pins.Status(obj)
		if err != nil {
			return err
		}
		r, err := s.ledger.Apply(obj, -1)
		if err != nil {
			return err
		}
		res = DownResult{Refcount: r.New, Pinned: st.Pinned}

		switch {
		case r.New > 0:
			log.Debug().Str("id", id).Uint64("refcount", r.New).Msg("refcount decremented")
		case st.Pinned:
			log.Warn().Str("id", id).Time("pinned_since", st.Since).Msg("refcount reached zero on pinned object, keeping it")
		default:
			if err := obj.Remove(); err != nil {
				return fmt.Errorf("remove object: %w", err)
			}
			res.Destroyed = true
			s.metrics.destroyed()
			log.Debug().Str("id", id).Msg("object destroyed")
		}
		return nil
	})
	return res, err
}

// Stat returns the state of a present object without modifying it.
func (s *Service) Stat(ctx context.Context, id string) (info Info, err error) {
	defer s.observe(OpStat, s.clock.Now(), &err)

	err = s.update(ctx, id, func(obj attrstore.Object) error {
		st, err := obj.Stat()
		if errors.Is(err, attrstore.ErrObjectNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("stat object: %w", err)
		}
		n, err := refcount.Read(obj)
		if err != nil {
			return err
		}
		ps, err := s.pins.Status(obj)
		if err != nil {
			return err
		}
		md, err := metadata.Load(obj)
		if err != nil {
			return err
		}
		fp, err := readFingerprint(obj)
		if err != nil {
			return err
		}

		info = Info{
			ID:          id,
			Size:        st.Size,
			ModTime:     st.ModTime,
			Refcount:    n,
			Pinned:      ps.Pinned,
			Fingerprint: fp,
			Metadata:    md,
		}
		if ps.Pinned {
			since := ps.Since
			info.PinnedSince = &since
		}
		return nil
	})
	return info, err
}

// validate rejects creation content before anything is written.
func (s *Service) validate(c Content) error {
	if s.maxSize > 0 && int64(len(c.Data)) > s.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(c.Data), s.maxSize)
	}
	if err := metadata.Validate(c.Metadata); err != nil {
		return normalize(err)
	}
	if c.Fingerprint != "" {
		if _, _, err := fingerprint.Parse(c.Fingerprint); err != nil {
			return normalize(err)
		}
	}
	return nil
}

func (s *Service) update(ctx context.Context, id string, fn func(attrstore.Object) error) error {
	return normalize(s.backend.Update(ctx, id, fn))
}

func (s *Service) observe(op string, start time.Time, err *error) {
	s.metrics.observe(op, s.clock.Since(start), *err)
}

func (s *Service) notePinned(id string, r refcount.Result) {
	if !r.Saturated {
		return
	}
	if r.Pinned {
		s.metrics.pinned()
	}
	log.Info().Str("id", id).Bool("newly_pinned", r.Pinned).Msg("refcount saturated, object pinned")
}

// exists classifies obj as PRESENT or ABSENT. Stat failures other than
// absence are returned.
func exists(obj attrstore.Object) (bool, error) {
	_, err := obj.Stat()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, attrstore.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

func readFingerprint(obj attrstore.Object) (string, error) {
	b, err := obj.GetAttr(FingerprintAttr)
	if errors.Is(err, attrstore.ErrAttrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read fingerprint: %w", err)
	}
	return string(b), nil
}

// verify re-hashes data against the stored fingerprint. Objects without a
// fingerprint, or with one from an unsupported algorithm, pass.
func verify(obj attrstore.Object, data []byte) error {
	fp, err := readFingerprint(obj)
	if err != nil || fp == "" {
		return err
	}
	alg, d, err := fingerprint.Parse(fp)
	if err != nil {
		return fmt.Errorf("%w: stored fingerprint %q: %v", ErrMalformed, fp, err)
	}
	if !alg.Available() {
		return nil
	}
	if err := fingerprint.Verify(d, data); err != nil {
		log.Warn().Str("id", obj.ID()).Str("fingerprint", fp).Msg("payload does not match fingerprint")
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
