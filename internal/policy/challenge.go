package policy

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/models"
)

// Headers carrying a challenge solution.
const (
	HeaderChallengeID    = "X-Challenge-Id"
	HeaderChallengeNonce = "X-Challenge-Nonce"
)

// Challenge is sent to the client in the body of a challenge verdict.
type Challenge struct {
	ID         string    `json:"challenge_id"`
	Prefix     string    `json:"prefix"`
	Difficulty int       `json:"difficulty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sig        string    `json:"sig"`
}

// Challenger issues and verifies step-up challenges for abusive traffic.
type Challenger interface {
	Issue(ctx context.Context, rc *models.RequestContext) (Challenge, error)
	Verify(ctx context.Context, rc *models.RequestContext, r *http.Request) bool
}

type issued struct {
	Challenge
	ip string
}

// PoW is a proof-of-work challenger. The client must find a nonce such that
// sha256(prefix + ":" + nonce) starts with Difficulty hex zeros. Challenges
// are bound to the client IP and accepted once. A solve grants the IP a pass
// for the challenge TTL.
type PoW struct {
	policy PolicySource
	clock  clock.Clock
	log    *zap.Logger

	mu         sync.Mutex
	challenges map[string]*issued
	passes     map[string]time.Time
}

func NewPoW(policy PolicySource, clk clock.Clock, log *zap.Logger) *PoW {
	if log == nil {
		log = zap.NewNop()
	}
	return &PoW{
		policy:     policy,
		clock:      clk,
		log:        log.With(zap.String("component", "challenge")),
		challenges: make(map[string]*issued),
		passes:     make(map[string]time.Time),
	}
}

func (p *PoW) Issue(ctx context.Context, rc *models.RequestContext) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	cfg := p.policy.Current().Challenge
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return Challenge{}, fmt.Errorf("challenge id: %w", err)
	}
	now := p.clock.Now()
	c := Challenge{
		ID:         hex.EncodeToString(id),
		Difficulty: cfg.Difficulty,
		ExpiresAt:  now.Add(cfg.TTL),
	}
	c.Prefix = c.ID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + strconv.Itoa(c.Difficulty)
	c.Sig = sign(cfg.Secret, c, rc.IP.String())

	p.mu.Lock()
	p.challenges[c.ID] = &issued{Challenge: c, ip: rc.IP.String()}
	p.mu.Unlock()
	return c, nil
}

// Verify accepts a live pass for the IP or a valid solution in the request
// headers.
func (p *PoW) Verify(_ context.Context, rc *models.RequestContext, r *http.Request) bool {
	now := p.clock.Now()
	ip := rc.IP.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if until, ok := p.passes[ip]; ok {
		if now.Before(until) {
			return true
		}
		delete(p.passes, ip)
	}

	id := r.Header.Get(HeaderChallengeID)
	nonce := r.Header.Get(HeaderChallengeNonce)
	if id == "" || nonce == "" {
		return false
	}
	c, ok := p.challenges[id]
	if !ok {
		return false
	}
	if now.After(c.ExpiresAt) {
		delete(p.challenges, id)
		return false
	}
	cfg := p.policy.Current().Challenge
	if c.ip != ip || !hmac.Equal([]byte(c.Sig), []byte(sign(cfg.Secret, c.Challenge, ip))) {
		p.log.Debug("challenge rejected", zap.String("challenge_id", id), zap.String("ip", ip))
		return false
	}
	if !Solves(c.Prefix, nonce, c.Difficulty) {
		return false
	}

	delete(p.challenges, id)
	p.passes[ip] = now.Add(cfg.TTL)
	return true
}

// Solves reports whether nonce satisfies the difficulty for prefix.
func Solves(prefix, nonce string, difficulty int) bool {
	sum := sha256.Sum256([]byte(prefix + ":" + nonce))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty))
}

func sign(secret string, c Challenge, ip string) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", c.ID, ip, c.Prefix, c.ExpiresAt.UnixMilli(), c.Difficulty)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Cleanup drops expired challenges and passes.
func (p *PoW) Cleanup() int {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, c := range p.challenges {
		if now.After(c.ExpiresAt) {
			delete(p.challenges, id)
			n++
		}
	}
	for ip, until := range p.passes {
		if !now.Before(until) {
			delete(p.passes, ip)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding challenges.
func (p *PoW) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.challenges)
}

// Run cleans up every minute until ctx is done.
func (p *PoW) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(time.Minute):
			if n := p.Cleanup(); n > 0 {
				p.log.Debug("challenges expired", zap.Int("removed", n))
			}
		}
	}
}
