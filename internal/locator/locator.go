// Package locator finds the project root from a working directory and
// resolves an intent by id or folder name.
package locator

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bloomworks/bloom/internal/errs"
	"github.com/bloomworks/bloom/internal/model"
	"github.com/bloomworks/bloom/internal/statestore"
)

// ProjectRoot is a directory containing a ".bloom" subtree.
type ProjectRoot string

// BloomDir returns the project's hidden ".bloom" directory.
func (p ProjectRoot) BloomDir() string {
	return filepath.Join(string(p), ".bloom")
}

// IntentsDir returns the ".bloom/.intents/.{kind}" directory for kind.
func (p ProjectRoot) IntentsDir(kind model.Kind) string {
	return filepath.Join(p.BloomDir(), ".intents", "."+string(kind))
}

// Locate searches from dir upward until a directory containing ".bloom/"
// is found. The walk starts at dir and climbs the same way whether dir is
// absolute or relative; there is no mode that checks dir alone.
func Locate(dir string) (ProjectRoot, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errs.Wrap(errs.IOError, "resolve absolute path", err)
	}

	cur := abs
	for {
		if hasBloomDir(cur) {
			return ProjectRoot(cur), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", errs.New(errs.ProjectNotFound, "no .bloom directory found above "+abs)
		}
		cur = parent
	}
}

func hasBloomDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".bloom"))
	return err == nil && info.IsDir()
}

// LocateIntent inspects .bloom/.intents/.dev and .bloom/.intents/.doc for a
// directory whose name exactly matches idOrFolder, or failing that, whose
// state file's uuid exactly matches idOrFolder. Returns IntentNotFound for
// zero matches, IntentAmbiguous for more than one.
func LocateIntent(root ProjectRoot, idOrFolder string) (string, model.Kind, error) {
	var matches []string
	var matchKind model.Kind

	for _, kind := range []model.Kind{model.KindDev, model.KindDoc} {
		dir := root.IntentsDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if e.Name() == idOrFolder {
				matches = append(matches, filepath.Join(dir, e.Name()))
				matchKind = kind
				continue
			}

			statePath := filepath.Join(dir, e.Name(), kind.StateFileName())
			st, err := statestore.Load(statePath)
			if err != nil {
				continue
			}
			if st.UUID == idOrFolder {
				matches = append(matches, filepath.Join(dir, e.Name()))
				matchKind = kind
			}
		}
	}

	switch len(matches) {
	case 0:
		return "", "", errs.New(errs.IntentNotFound, "no intent matches "+idOrFolder)
	case 1:
		return matches[0], matchKind, nil
	default:
		return "", "", errs.New(errs.IntentAmbiguous, "more than one intent matches "+idOrFolder)
	}
}

// DetectLatestStage scans intentDir for the greatest stage that has a
// ".response/" directory, per the ordering briefing < execution <
// refinement_1 < refinement_2 < ... Refinement turns take priority over
// execution/briefing; when more than one refinement stage directory
// exists, the greatest existing turn number wins regardless of whether the
// numbering is contiguous. Returns StageNotFound if nothing has a response
// yet.
func DetectLatestStage(intentDir string) (string, error) {
	pipelineDir := filepath.Join(intentDir, ".pipeline")

	if turn, ok := latestRefinementTurn(pipelineDir); ok {
		return "refinement_" + strconv.Itoa(turn), nil
	}

	for _, stage := range []string{"execution", "briefing"} {
		if hasResponse(pipelineDir, stage) {
			return stage, nil
		}
	}

	return "", errs.New(errs.StageNotFound, "no pipeline stage with a response found under "+pipelineDir)
}

func hasResponse(pipelineDir, stage string) bool {
	info, err := os.Stat(filepath.Join(pipelineDir, "."+stage, ".response"))
	return err == nil && info.IsDir()
}

// latestRefinementTurn finds the greatest N for which
// "<pipelineDir>/.refinement_N/.response" exists.
func latestRefinementTurn(pipelineDir string) (int, bool) {
	entries, err := os.ReadDir(pipelineDir)
	if err != nil {
		return 0, false
	}

	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, ".refinement_") {
			continue
		}
		turn, err := strconv.Atoi(strings.TrimPrefix(name, ".refinement_"))
		if err != nil {
			continue
		}
		info, err := os.Stat(filepath.Join(pipelineDir, name, ".response"))
		if err != nil || !info.IsDir() {
			continue
		}
		if turn > best {
			best = turn
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
