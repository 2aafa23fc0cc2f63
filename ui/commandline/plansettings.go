// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/gomlx/tparallel/pkg/support/fsutil"
	"github.com/gomlx/tparallel/pkg/support/sets"
	"github.com/pkg/errors"
)

// ParsePlanSettings parses plan entries from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";", e.g.: "lm_head=colwise_rep;layers.*.mlp.up=colwise".
//
// A setting "file:<path>" reads more settings from the file, one or more per line. Empty lines and lines
// starting with "#" are ignored. Files may include other files, but not themselves, directly or indirectly.
//
// Entries are added to plan in order, later entries overriding earlier ones. If plan is nil a new one is
// created. Strategy names are not validated here: that happens when the plan is resolved.
func ParsePlanSettings(plan *tp.RawPlan, settings string) (*tp.RawPlan, error) {
	if plan == nil {
		plan = tp.NewRawPlan()
	}
	including := sets.Make[string]()
	for _, setting := range strings.Split(settings, ";") {
		if err := parsePlanSetting(plan, strings.TrimSpace(setting), including); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// parsePlanSetting parses one setting into plan. including holds the absolute paths of the files being read.
func parsePlanSetting(plan *tp.RawPlan, setting string, including sets.Set[string]) error {
	if setting == "" {
		return nil
	}
	if fileSetting, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTilde(fileSetting)
		if err != nil {
			return err
		}
		absPath, err := filepath.Abs(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve plan settings file %q", filePath)
		}
		if including.Has(absPath) {
			return errors.Errorf("plan settings file %q includes itself", filePath)
		}
		including.Insert(absPath)
		defer delete(including, absPath)
		contents, err := os.ReadFile(absPath)
		if err != nil {
			return errors.Wrapf(err, "failed to read plan settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				if err := parsePlanSetting(plan, strings.TrimSpace(lineSetting), including); err != nil {
					return errors.WithMessagef(err, "in file %q", filePath)
				}
			}
		}
		return nil
	}
	path, name, found := strings.Cut(setting, "=")
	path, name = strings.TrimSpace(path), strings.TrimSpace(name)
	if !found || path == "" || name == "" {
		return errors.Errorf("can't parse plan setting %q, it should be <path>=<strategy>", setting)
	}
	plan.Set(path, name)
	return nil
}
