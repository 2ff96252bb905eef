package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"retrain/internal/assets"
	"retrain/internal/logging"
	"retrain/internal/services"
)

// Target is the consolidated store migrations write into. *assets.Store
// satisfies it.
type Target interface {
	LoadAssetData(ctx context.Context, subject string) (*assets.Record, error)
	UpdateAssetData(ctx context.Context, subject string, fn func(rec *assets.Record) (bool, error)) error
}

// CategoryDocument marks failures writing the consolidated document itself.
const CategoryDocument Category = "document"

// ComponentError is one legacy category that could not be migrated for one
// subject.
type ComponentError struct {
	Subject  string   `json:"subject"`
	Category Category `json:"category"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"error"`
	Err      error    `json:"-"`
}

func (e *ComponentError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("migrate %s: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("migrate %s %s: %s", e.Subject, e.Category, e.Message)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// Summary reports what a migration run did. With DryRun set the counts
// describe what would have been written.
type Summary struct {
	DryRun              bool             `json:"dry_run,omitempty"`
	MigratedAssets      int              `json:"migrated_assets"`
	MigratedModels      int              `json:"migrated_models"`
	MigratedWeights     int              `json:"migrated_weights"`
	MigratedTraining    int              `json:"migrated_training"`
	MigratedPredictions int              `json:"migrated_predictions"`
	MigratedFeatures    int              `json:"migrated_features"`
	Errors              []ComponentError `json:"errors"`
	Details             []string         `json:"details"`
}

// Options tunes a migration run.
type Options struct {
	DryRun bool
}

// Migrator converts one legacy root.
type Migrator struct {
	root   string
	target Target
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Migrator reading from root.
func New(root string, target Target, logger *slog.Logger) *Migrator {
	return &Migrator{
		root:   root,
		target: target,
		logger: logging.NewComponentLogger(logger, "migration"),
		now:    time.Now,
	}
}

// Root returns the legacy directory.
func (m *Migrator) Root() string {
	return m.root
}

// subjectPlan is everything parsed for one subject, ready to merge.
type subjectPlan struct {
	key         string
	models      []legacyModel
	weights     map[string][]string
	training    []assets.TrainingEntry
	predictions []assets.PredictionEntry
	features    *legacyFeatures
	sources     map[Category]source
}

// source identifies the legacy file a category was parsed from.
type source struct {
	rel    string
	sha256 string
}

func (p *subjectPlan) empty() bool {
	return len(p.models) == 0 && len(p.weights) == 0 && len(p.training) == 0 &&
		len(p.predictions) == 0 && p.features == nil
}

type mergeCounts struct {
	models, weights, training, predictions, features int
	// sources counts legacy files newly recorded in the record metadata.
	sources int
}

func (c mergeCounts) total() int {
	return c.models + c.weights + c.training + c.predictions + c.features
}

// Migrate converts every subject found under the legacy root. Category and
// document failures are collected in the summary; the returned error is
// reserved for failures that stop the whole run.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{DryRun: opts.DryRun, Errors: []ComponentError{}, Details: []string{}}
	if strings.TrimSpace(m.root) == "" {
		return summary, services.Wrap(services.ErrConfiguration, "migration", "migrate", "legacy directory is not configured", nil)
	}
	found, err := discover(m.root)
	if err != nil {
		return summary, err
	}
	for _, path := range found.skipped {
		summary.Details = append(summary.Details, "skipped unrecognized entry "+path)
	}
	for _, cerr := range found.failures {
		m.recordError(&summary, cerr)
	}
	subjects := found.subjects
	if len(subjects) == 0 {
		m.logger.Info("no legacy data found",
			logging.String(logging.FieldPath, m.root),
			logging.String(logging.FieldEventType, "migration_empty"),
		)
		return summary, nil
	}

	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		plan := m.plan(subject, &summary)
		if plan.empty() {
			continue
		}
		counts, err := m.apply(ctx, plan, opts.DryRun)
		if err != nil {
			m.recordError(&summary, ComponentError{Subject: plan.key, Category: CategoryDocument, Message: err.Error(), Err: err})
			continue
		}
		summary.MigratedModels += counts.models
		summary.MigratedWeights += counts.weights
		summary.MigratedTraining += counts.training
		summary.MigratedPredictions += counts.predictions
		summary.MigratedFeatures += counts.features
		if counts.total() == 0 {
			summary.Details = append(summary.Details, plan.key+": already migrated")
			continue
		}
		summary.MigratedAssets++
		summary.Details = append(summary.Details, fmt.Sprintf("%s: models=%d weights=%d training=%d predictions=%d features=%d",
			plan.key, counts.models, counts.weights, counts.training, counts.predictions, counts.features))
	}

	m.logger.Info("legacy migration finished",
		logging.Bool("dry_run", opts.DryRun),
		logging.Int("subjects", len(subjects)),
		logging.Int("migrated_assets", summary.MigratedAssets),
		logging.Int("errors", len(summary.Errors)),
		logging.String(logging.FieldEventType, "migration_complete"),
	)
	return summary, nil
}

// plan parses each legacy category independently. A failing category is
// recorded and left out of the plan.
func (m *Migrator) plan(subject *legacySubject, summary *Summary) *subjectPlan {
	plan := &subjectPlan{key: subject.Key, weights: subject.Weights, sources: map[Category]source{}}
	fail := func(category Category, path string, err error) {
		m.recordError(summary, ComponentError{Subject: subject.Key, Category: category, Path: path, Message: err.Error(), Err: err})
	}
	note := func(category Category, skipped int) {
		if skipped > 0 {
			summary.Details = append(summary.Details, fmt.Sprintf("%s: skipped %d %s entries without usable timestamp or value", subject.Key, skipped, category))
		}
	}

	for _, category := range fileCategories {
		path, ok := subject.Files[category]
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			fail(category, path, err)
			continue
		}
		src := source{rel: m.relative(path), sha256: digest(data)}
		switch category {
		case CategoryModels:
			plan.models, err = parseModels(data)
		case CategoryTraining:
			var skipped int
			plan.training, skipped, err = parseTraining(data)
			note(category, skipped)
		case CategoryPredictions:
			var skipped int
			plan.predictions, skipped, err = parsePredictions(data)
			note(category, skipped)
		case CategoryFeatures:
			var features legacyFeatures
			if features, err = parseFeatures(data); err == nil {
				plan.features = &features
			}
		}
		if err != nil {
			fail(category, path, err)
			continue
		}
		plan.sources[category] = src
	}
	return plan
}

func (m *Migrator) relative(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) recordError(summary *Summary, cerr ComponentError) {
	summary.Errors = append(summary.Errors, cerr)
	logging.WarnWithContext(m.logger, "legacy component not migrated", "migration_component_failed",
		logging.String(logging.FieldSubject, cerr.Subject),
		logging.String("category", string(cerr.Category)),
		logging.String(logging.FieldPath, cerr.Path),
		logging.String("error", cerr.Message),
		logging.String(logging.FieldImpact, "other categories and subjects continue"),
		logging.String(logging.FieldErrorHint, "fix or remove the legacy file and rerun the migration"),
	)
}

func (m *Migrator) apply(ctx context.Context, plan *subjectPlan, dryRun bool) (mergeCounts, error) {
	now := m.now().UTC()
	var counts mergeCounts
	merge := func(rec *assets.Record) (bool, error) {
		counts = mergePlan(rec, plan, now)
		return counts.total() > 0 || counts.sources > 0, nil
	}
	if dryRun {
		rec, err := m.target.LoadAssetData(ctx, plan.key)
		if err != nil {
			return counts, err
		}
		_, err = merge(rec)
		return counts, err
	}
	err := m.target.UpdateAssetData(ctx, plan.key, merge)
	return counts, err
}

// mergePlan folds the parsed legacy data into rec. A legacy file whose digest
// is already recorded is skipped, entries no newer than what was taken from a
// file before are skipped, and trained weights are never replaced by
// placeholders.
func mergePlan(rec *assets.Record, plan *subjectPlan, now time.Time) mergeCounts {
	var counts mergeCounts
	if rec.Models == nil {
		rec.Models = map[string]*assets.ModelEntry{}
	}
	if rec.Metadata.MigratedSources == nil {
		rec.Metadata.MigratedSources = map[string]assets.MigratedSource{}
	}
	sources := rec.Metadata.MigratedSources

	// pending returns the previous record of a category's file and whether
	// the file changed since then.
	pending := func(category Category) (assets.MigratedSource, bool) {
		src, ok := plan.sources[category]
		if !ok {
			return assets.MigratedSource{}, false
		}
		prev, seen := sources[src.rel]
		return prev, !seen || prev.SHA256 != src.sha256
	}
	record := func(category Category, through *time.Time) {
		src := plan.sources[category]
		sources[src.rel] = assets.MigratedSource{SHA256: src.sha256, Through: through, MigratedAt: now}
		counts.sources++
	}

	if _, changed := pending(CategoryModels); changed {
		for _, model := range plan.models {
			if mergeModel(rec, model, now) {
				counts.models++
			}
		}
		record(CategoryModels, nil)
	}

	variants := make([]string, 0, len(plan.weights))
	for variant := range plan.weights {
		variants = append(variants, variant)
	}
	sort.Strings(variants)
	for _, variant := range variants {
		files := plan.weights[variant]
		entry, ok := rec.Models[variant]
		if !ok {
			entry = &assets.ModelEntry{Metadata: map[string]any{"migrated": true}}
			rec.Models[variant] = entry
		}
		if w := entry.Weights; w != nil {
			if w.Status == assets.WeightsTrained {
				continue
			}
			if slices.Equal(w.OriginalFiles, files) {
				continue
			}
		}
		entry.Weights = &assets.Weights{
			Status:        assets.WeightsPlaceholder,
			SavedAt:       now,
			OriginalFiles: slices.Clone(files),
			Migrated:      true,
		}
		counts.weights++
	}

	if prev, changed := pending(CategoryTraining); changed {
		seen := map[string]bool{}
		for _, e := range rec.Training.History {
			seen[trainingKey(e)] = true
		}
		through := prev.Through
		for _, e := range plan.training {
			if through == nil || e.Timestamp.After(*through) {
				ts := e.Timestamp
				through = &ts
			}
			if prev.Through != nil && !e.Timestamp.After(*prev.Through) {
				continue
			}
			k := trainingKey(e)
			if seen[k] {
				continue
			}
			seen[k] = true
			rec.Training.History = append(rec.Training.History, e)
			rec.Training.TotalSessions++
			rec.Metadata.TotalTrainingHours += e.DurationSeconds / 3600
			if rec.Training.LastTraining == nil || e.Timestamp.After(*rec.Training.LastTraining) {
				ts := e.Timestamp
				rec.Training.LastTraining = &ts
			}
			counts.training++
		}
		if counts.training > 0 {
			sort.SliceStable(rec.Training.History, func(i, j int) bool {
				return rec.Training.History[i].Timestamp.Before(rec.Training.History[j].Timestamp)
			})
		}
		record(CategoryTraining, through)
	}

	if prev, changed := pending(CategoryPredictions); changed {
		seen := map[string]bool{}
		for _, e := range rec.Predictions.History {
			seen[predictionKey(e)] = true
		}
		through := prev.Through
		for _, e := range plan.predictions {
			if through == nil || e.Timestamp.After(*through) {
				ts := e.Timestamp
				through = &ts
			}
			if prev.Through != nil && !e.Timestamp.After(*prev.Through) {
				continue
			}
			k := predictionKey(e)
			if seen[k] {
				continue
			}
			seen[k] = true
			rec.Predictions.History = append(rec.Predictions.History, e)
			rec.Predictions.TotalCount++
			rec.Metadata.TotalPredictionsMade++
			if rec.Predictions.LastPrediction == nil || e.Timestamp.After(*rec.Predictions.LastPrediction) {
				ts := e.Timestamp
				rec.Predictions.LastPrediction = &ts
			}
			counts.predictions++
		}
		if counts.predictions > 0 {
			sort.SliceStable(rec.Predictions.History, func(i, j int) bool {
				return rec.Predictions.History[i].Timestamp.Before(rec.Predictions.History[j].Timestamp)
			})
		}
		record(CategoryPredictions, through)
	}

	if _, changed := pending(CategoryFeatures); changed {
		if f := plan.features; f != nil && len(rec.Features.Cache) == 0 {
			rec.Features.Cache = f.Cache
			rec.Features.Count = f.Count
			rec.Features.Migrated = true
			if !f.LastExtraction.IsZero() {
				ts := f.LastExtraction
				rec.Features.LastExtraction = &ts
			}
			counts.features++
		}
		record(CategoryFeatures, nil)
	}

	if len(sources) == 0 {
		rec.Metadata.MigratedSources = nil
	}
	return counts
}

// mergeModel adds a legacy model entry or fills the fields an existing entry
// lacks. It reports whether rec changed.
func mergeModel(rec *assets.Record, model legacyModel, now time.Time) bool {
	entry, ok := rec.Models[model.Variant]
	if !ok {
		metadata := map[string]any{"migrated": true, "migrated_at": now.Format(time.RFC3339)}
		for k, v := range model.Metadata {
			metadata[k] = v
		}
		rec.Models[model.Variant] = &assets.ModelEntry{
			Config:       model.Config,
			Architecture: model.Architecture,
			Metadata:     metadata,
		}
		return true
	}
	changed := false
	if entry.Config.Features == 0 && model.Config.Features > 0 {
		entry.Config.Features = model.Config.Features
		changed = true
	}
	if entry.Config.Params == nil && model.Config.Params != nil {
		entry.Config.Params = model.Config.Params
		changed = true
	}
	if entry.Architecture == "" && model.Architecture != "" {
		entry.Architecture = model.Architecture
		changed = true
	}
	return changed
}

func trainingKey(e assets.TrainingEntry) string {
	return fmt.Sprintf("%d/%s", e.Timestamp.UnixNano(), e.Variant)
}

func predictionKey(e assets.PredictionEntry) string {
	return fmt.Sprintf("%d/%s/%g", e.Timestamp.UnixNano(), e.Variant, e.Value)
}
