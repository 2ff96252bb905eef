package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"retrain/internal/assets"
)

// ErrLegacyFormat reports a legacy file that cannot be interpreted.
var ErrLegacyFormat = errors.New("unrecognized legacy format")

type legacyModel struct {
	Variant      string
	Config       assets.ModelConfig
	Architecture string
	Metadata     map[string]any
}

type legacyFeatures struct {
	Cache          json.RawMessage
	LastExtraction time.Time
	Count          int
}

// Legacy writers used several spellings for the same field.
var (
	timestampKeys  = []string{"timestamp", "date", "time", "completedAt", "trainedAt", "createdAt"}
	variantKeys    = []string{"variant", "modelType", "model_type", "model"}
	featureKeys    = []string{"config.features", "config.featureCount", "config.inputFeatures", "features", "featureCount", "inputFeatures"}
	predictionKeys = []string{"value", "prediction", "predicted", "predictedValue"}
)

func parseDocument(data []byte) (gjson.Result, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return gjson.Result{}, fmt.Errorf("%w: empty file", ErrLegacyFormat)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: invalid JSON", ErrLegacyFormat)
	}
	return gjson.ParseBytes(data), nil
}

func parseModels(data []byte) ([]legacyModel, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	if nested := root.Get("models"); nested.IsObject() {
		root = nested
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: models file is not an object", ErrLegacyFormat)
	}

	var out []legacyModel
	root.ForEach(func(key, value gjson.Result) bool {
		variant := strings.ToLower(strings.TrimSpace(key.String()))
		if variant == "" || !value.IsObject() {
			return true
		}
		model := legacyModel{Variant: variant}
		if f := first(value, featureKeys...); f.Exists() {
			model.Config.Features = int(f.Int())
		}
		if cfg := value.Get("config"); cfg.IsObject() {
			params := map[string]any{}
			if err := json.Unmarshal([]byte(cfg.Raw), &params); err == nil {
				for _, k := range []string{"features", "featureCount", "inputFeatures"} {
					delete(params, k)
				}
				if len(params) > 0 {
					model.Config.Params = params
				}
			}
		}
		switch arch := value.Get("architecture"); arch.Type {
		case gjson.String:
			model.Architecture = arch.String()
		case gjson.JSON:
			model.Architecture = arch.Raw
		}
		if md := value.Get("metadata"); md.IsObject() {
			_ = json.Unmarshal([]byte(md.Raw), &model.Metadata)
		}
		out = append(out, model)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out, nil
}

// parseTraining returns the legacy training sessions and how many entries
// were skipped for lacking a usable timestamp.
func parseTraining(data []byte) ([]assets.TrainingEntry, int, error) {
	items, err := entryList(data, "history", "sessions", "training")
	if err != nil {
		return nil, 0, err
	}
	var (
		out     []assets.TrainingEntry
		skipped int
	)
	for _, item := range items {
		ts, ok := parseTime(first(item, timestampKeys...))
		if !item.IsObject() || !ok {
			skipped++
			continue
		}
		entry := assets.TrainingEntry{
			Timestamp: ts,
			Variant:   strings.ToLower(first(item, variantKeys...).String()),
			Metrics:   numericMap(item.Get("metrics")),
			Migrated:  true,
			Legacy:    json.RawMessage(item.Raw),
		}
		if d := first(item, "durationSeconds", "duration_seconds", "duration"); d.Exists() {
			entry.DurationSeconds = d.Float()
		} else if ms := item.Get("durationMs"); ms.Exists() {
			entry.DurationSeconds = ms.Float() / 1000
		}
		for _, k := range []string{"loss", "valLoss", "accuracy", "mae", "rmse"} {
			if v := item.Get(k); v.Type == gjson.Number {
				if entry.Metrics == nil {
					entry.Metrics = map[string]float64{}
				}
				entry.Metrics[k] = v.Float()
			}
		}
		out = append(out, entry)
	}
	return out, skipped, nil
}

func parsePredictions(data []byte) ([]assets.PredictionEntry, int, error) {
	items, err := entryList(data, "history", "predictions")
	if err != nil {
		return nil, 0, err
	}
	var (
		out     []assets.PredictionEntry
		skipped int
	)
	for _, item := range items {
		ts, ok := parseTime(first(item, timestampKeys...))
		value := first(item, predictionKeys...)
		if !item.IsObject() || !ok || value.Type != gjson.Number {
			skipped++
			continue
		}
		out = append(out, assets.PredictionEntry{
			Timestamp:  ts,
			Variant:    strings.ToLower(first(item, variantKeys...).String()),
			Value:      value.Float(),
			Confidence: item.Get("confidence").Float(),
			Inputs:     numericMap(first(item, "inputs", "features")),
			Migrated:   true,
			Legacy:     json.RawMessage(item.Raw),
		})
	}
	return out, skipped, nil
}

func parseFeatures(data []byte) (legacyFeatures, error) {
	root, err := parseDocument(data)
	if err != nil {
		return legacyFeatures{}, err
	}
	if !root.IsObject() && !root.IsArray() {
		return legacyFeatures{}, fmt.Errorf("%w: features file holds a scalar", ErrLegacyFormat)
	}
	cache := root
	if root.IsObject() {
		if inner := first(root, "features", "data", "cache"); inner.Exists() {
			cache = inner
		}
	}
	out := legacyFeatures{Cache: json.RawMessage(cache.Raw)}
	if root.IsObject() {
		if ts, ok := parseTime(first(root, "lastExtraction", "extractedAt", "timestamp")); ok {
			out.LastExtraction = ts
		}
		if c := root.Get("count"); c.Type == gjson.Number {
			out.Count = int(c.Int())
		}
	}
	if out.Count == 0 && cache.IsArray() {
		out.Count = len(cache.Array())
	}
	return out, nil
}

// entryList returns the array at the document root, or under the first of
// keys holding one.
func entryList(data []byte, keys ...string) ([]gjson.Result, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, k := range keys {
		if v := root.Get(k); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, fmt.Errorf("%w: no entry list found", ErrLegacyFormat)
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// parseTime accepts RFC 3339 strings, "YYYY-MM-DD HH:MM:SS", and unix
// timestamps in seconds or milliseconds.
func parseTime(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return fromEpoch(r.Float())
	case gjson.String:
		s := strings.TrimSpace(r.String())
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

func fromEpoch(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v >= 1e12 {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func numericMap(r gjson.Result) map[string]float64 {
	if !r.IsObject() {
		return nil
	}
	out := map[string]float64{}
	r.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			out[key.String()] = value.Float()
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
