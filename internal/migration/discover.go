package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"retrain/internal/assets"
)

// Category names a legacy directory.
type Category string

const (
	CategoryModels      Category = "models"
	CategoryWeights     Category = "weights"
	CategoryTraining    Category = "training"
	CategoryPredictions Category = "predictions"
	CategoryFeatures    Category = "features"
)

// fileCategories are the categories stored as one JSON file per subject.
var fileCategories = []Category{CategoryModels, CategoryTraining, CategoryPredictions, CategoryFeatures}

// legacySubject collects every legacy artifact found for one subject.
type legacySubject struct {
	Key     string
	Files   map[Category]string
	Weights map[string][]string // variant -> weight file paths
}

// discovery is the result of scanning a legacy root.
type discovery struct {
	subjects []*legacySubject
	skipped  []string
	failures []ComponentError
}

// discover unions subject keys across all legacy categories. A missing root or
// category directory is not an error. An unreadable category directory or
// weight directory is reported in failures and the scan continues.
func discover(root string) (discovery, error) {
	var out discovery
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("stat legacy dir: %w", err)
	}
	if !info.IsDir() {
		return out, fmt.Errorf("legacy path %q is not a directory", root)
	}

	subjects := map[string]*legacySubject{}
	fail := func(subject string, category Category, path string, err error) {
		out.failures = append(out.failures, ComponentError{Subject: subject, Category: category, Path: path, Message: err.Error(), Err: err})
	}
	get := func(key string) *legacySubject {
		s, ok := subjects[key]
		if !ok {
			s = &legacySubject{Key: key, Files: map[Category]string{}, Weights: map[string][]string{}}
			subjects[key] = s
		}
		return s
	}

	for _, category := range fileCategories {
		dir := filepath.Join(root, string(category))
		entries, err := readDir(dir)
		if err != nil {
			fail("", category, dir, err)
			continue
		}
		suffix := "_" + string(category) + ".json"
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, suffix) {
				continue
			}
			key, err := assets.NormalizeSubject(strings.TrimSuffix(name, suffix))
			if err != nil {
				out.skipped = append(out.skipped, filepath.Join(dir, name))
				continue
			}
			get(key).Files[category] = filepath.Join(dir, name)
		}
	}

	weightsDir := filepath.Join(root, string(CategoryWeights))
	entries, err := readDir(weightsDir)
	if err != nil {
		fail("", CategoryWeights, weightsDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		idx := strings.LastIndex(name, "_")
		if idx <= 0 || idx == len(name)-1 {
			out.skipped = append(out.skipped, filepath.Join(weightsDir, name))
			continue
		}
		key, err := assets.NormalizeSubject(name[:idx])
		if err != nil {
			out.skipped = append(out.skipped, filepath.Join(weightsDir, name))
			continue
		}
		files, err := listFiles(filepath.Join(weightsDir, name))
		if err != nil {
			fail(key, CategoryWeights, filepath.Join(weightsDir, name), err)
			continue
		}
		if len(files) == 0 {
			continue
		}
		variant := strings.ToLower(name[idx+1:])
		get(key).Weights[variant] = files
	}

	out.subjects = make([]*legacySubject, 0, len(subjects))
	for _, s := range subjects {
		out.subjects = append(out.subjects, s)
	}
	sort.Slice(out.subjects, func(i, j int) bool { return out.subjects[i].Key < out.subjects[j].Key })
	return out, nil
}

func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read legacy dir %q: %w", dir, err)
	}
	return entries, nil
}

// listFiles returns every regular file below dir, sorted.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list weight files in %q: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
