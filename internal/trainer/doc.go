// Package trainer adapts external training commands to the scheduler and the
// persistence engine.
//
// Each configured variant names a command. A training run executes it with
// RETRAIN_SUBJECT, RETRAIN_VARIANT, RETRAIN_FEATURES and RETRAIN_PARAMS (JSON)
// in its environment and expects a single JSON document on stdout:
//
//	{"tensors": [{"data": [...], "shape": [...], "dtype": "float32"}],
//	 "metrics": {"loss": 0.01}, "architecture": "lstm-2x64", "compiled": true}
//
// Stderr lines are forwarded to the debug log. The resulting TensorModel
// satisfies assets.Model so it can be persisted and restored without the
// training command being involved.
package trainer
