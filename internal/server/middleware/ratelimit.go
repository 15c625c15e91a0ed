package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/tasksync/internal/server/handlers"
)

// RateLimiter ограничивает число запросов от одного клиента в фиксированном окне
type RateLimiter struct {
	windows map[string]*window
	now     func() time.Time
	rate    int
	period  time.Duration
	mu      sync.Mutex
}

// window счетчик запросов одного ключа
type window struct {
	start time.Time
	count int
}

// NewRateLimiter создает новый rate limiter
// rate - максимальное количество запросов за period
func NewRateLimiter(rate int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		rate:    rate,
		period:  period,
	}
}

// Allow проверяет, разрешен ли запрос для ключа.
// Если нет, возвращает время до начала следующего окна.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Заодно выбрасываем давно неактивные окна
	for k, w := range rl.windows {
		if now.Sub(w.start) > 2*rl.period {
			delete(rl.windows, k)
		}
	}

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.period {
		w = &window{start: now}
		rl.windows[key] = w
	}

	if w.count >= rl.rate {
		return false, w.start.Add(rl.period).Sub(now)
	}
	w.count++
	return true, 0
}

// RateLimitMiddleware отвечает 429 с Retry-After, когда клиент превысил лимит.
// Ключ - sub токена, а для анонимных запросов IP адрес.
func RateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := handlers.GetSubject(r.Context())
			if !ok || key == "" {
				key = clientIP(r)
			}

			allowed, retryAfter := limiter.Allow(key)
			if !allowed {
				logger.Warn("Rate limit exceeded", "key", key, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP извлекает IP адрес клиента; X-Forwarded-For имеет приоритет
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
