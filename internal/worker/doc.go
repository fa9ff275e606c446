// Package worker provides the fixed-size pool that executes client requests
// and internal events (timer ticks, fabric messages).
package worker
