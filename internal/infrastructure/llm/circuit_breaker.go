package llm

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing recovery
)

// String returns a human-readable label for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 是 Router 的 per-provider 熔断器。它和 fallback 链是
// 两层互补的防线: 熔断器把被判死的 provider 从 orderedCandidates 的遍历
// 中剔除 (Allow 返回 false 时 Router 直接跳到链上的下一家), fallback 链
// 决定跳过之后去哪。恢复窗口过后放一个探测请求, 成功即闭合, 失败立刻
// 重新断开并重置恢复计时。
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	failureThreshold int           // 连续失败多少次断开
	recoveryTimeout  time.Duration // 断开后多久放探测请求
	openedAt         time.Time     // 最近一次断开的时刻
	probeInFlight    bool          // half-open 下只放行一个探测
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
// failureThreshold: number of consecutive failures before opening.
// recoveryTimeout: how long to wait before allowing a probe request.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a request may go through. In the open state it
// transitions to half-open once the recovery window elapses, and then
// admits exactly one probe — concurrent callers during the probe are
// rejected so a still-down provider eats one request, not a burst.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.probeInFlight = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess records a successful call; a successful half-open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.probeInFlight = false
	}
}

// RecordFailure records a failed call. A failed half-open probe re-opens
// immediately with a fresh recovery window.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.openedAt = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.probeInFlight = false
		return
	}

	if cb.consecutiveFails >= cb.failureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure streak, for provider
// status reporting.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// Reset forces the circuit back to closed and clears the failure streak
// and any in-flight probe.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFails = 0
	cb.probeInFlight = false
}
