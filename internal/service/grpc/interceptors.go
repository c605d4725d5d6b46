package grpcsvc

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimitConfig — лимит запросов на одного клиента (по адресу peer).
type RateLimitConfig struct {
	Rate      rate.Limit
	Burst     int
	ExpiresIn time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerRateLimiter держит token bucket на каждый адрес клиента.
type PeerRateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	visitors map[string]*visitor
	now      func() time.Time
}

// NewPeerRateLimiter создаёт лимитер; Rate <= 0 отключает ограничение.
func NewPeerRateLimiter(cfg RateLimitConfig) *PeerRateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ExpiresIn <= 0 {
		cfg.ExpiresIn = 3 * time.Minute
	}
	return &PeerRateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow расходует токен клиента и заодно вычищает давно неактивных.
func (l *PeerRateLimiter) Allow(key string) bool {
	if l.cfg.Rate <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.ExpiresIn {
			delete(l.visitors, k)
		}
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// UnaryServerInterceptor отклоняет запросы сверх лимита с ResourceExhausted.
func (l *PeerRateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !l.Allow(peerAddr(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// LoggingUnaryInterceptor пишет метод, код ответа и длительность каждого вызова.
func LoggingUnaryInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		entry := logger.WithFields(log.Fields{
			"method":   info.FullMethod,
			"code":     code.String(),
			"duration": time.Since(start).String(),
		})
		switch code {
		case codes.OK:
			entry.Debug("grpc call completed")
		case codes.Internal, codes.Unknown, codes.DataLoss:
			entry.WithError(err).Error("grpc call failed")
		default:
			entry.WithError(err).Info("grpc call rejected")
		}
		return resp, err
	}
}
