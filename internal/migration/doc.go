// Package migration converts the legacy per-category layout into consolidated
// asset documents.
//
// The legacy root holds five sibling directories:
//
//	models/       <subject>_models.json       variant -> config and architecture
//	weights/      <subject>_<variant>/        framework-specific weight files
//	training/     <subject>_training.json     training session log
//	predictions/  <subject>_predictions.json  prediction log
//	features/     <subject>_features.json     last feature extraction
//
// Each category is parsed and merged on its own, so one unreadable file only
// costs that category for that subject. Weight files are never reinterpreted;
// they become placeholder entries that remember where the originals live.
// Running a migration twice is a no-op.
package migration
