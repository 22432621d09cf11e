package web

import (
	"net/http"
	"sync"

	errors "github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const codeTooManyRequests = "TOO_MANY_REQUESTS"

// ThrottleCfg configures UploadThrottle. Burst must not be smaller than NPerSec.
type ThrottleCfg struct {
	TotalNPerSec, TotalBurst           int
	EachClientNPerSec, EachClientBurst int
}

// UploadThrottle limits uploads globally and per client.
type UploadThrottle struct {
	sync.Mutex
	cfg     ThrottleCfg
	total   *rate.Limiter
	clients *sync.Map
}

// NewUploadThrottle creates a new UploadThrottle
func NewUploadThrottle(cfg ThrottleCfg) (*UploadThrottle, error) {
	if cfg.TotalNPerSec <= 0 || cfg.EachClientNPerSec <= 0 {
		return nil, errors.New("NPerSec must bigger than 0")
	}
	if cfg.TotalBurst < cfg.TotalNPerSec || cfg.EachClientBurst < cfg.EachClientNPerSec {
		return nil, errors.New("burst must bigger than NPerSec")
	}

	return &UploadThrottle{
		cfg:     cfg,
		total:   rate.NewLimiter(rate.Limit(cfg.TotalNPerSec), cfg.TotalBurst),
		clients: new(sync.Map),
	}, nil
}

// Allow reports whether client may upload now.
func (t *UploadThrottle) Allow(client string) bool {
	lim, ok := t.clients.Load(client)
	if !ok {
		t.Lock()
		if lim, ok = t.clients.Load(client); !ok {
			lim = rate.NewLimiter(rate.Limit(t.cfg.EachClientNPerSec), t.cfg.EachClientBurst)
			t.clients.Store(client, lim)
		}
		t.Unlock()
	}

	if !lim.(*rate.Limiter).Allow() {
		return false
	}
	return t.total.Allow()
}

// middleware rejects requests over the limit with 429. A nil throttle allows everything.
func (t *UploadThrottle) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if t != nil && !t.Allow(ctx.ClientIP()) {
			abortWithCode(ctx, http.StatusTooManyRequests, codeTooManyRequests, "too many uploads, retry later")
			return
		}
		ctx.Next()
	}
}
