package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"retrain/internal/config"
)

// Requirement defines an external command retrain relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	// Path is the resolved executable when Available is set.
	Path   string
	Detail string
}

// VariantRequirements returns one requirement per configured training variant.
func VariantRequirements(variants []config.Variant) []Requirement {
	reqs := make([]Requirement, 0, len(variants))
	for _, v := range variants {
		reqs = append(reqs, Requirement{
			Name:        v.Name,
			Command:     v.Command,
			Description: fmt.Sprintf("training command for variant %s", v.Name),
		})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		results = append(results, Check(req))
	}
	return results
}

// Check resolves a single requirement.
func Check(req Requirement) Status {
	cmd := strings.TrimSpace(req.Command)
	status := Status{
		Name:        req.Name,
		Command:     cmd,
		Description: strings.TrimSpace(req.Description),
		Optional:    req.Optional,
	}
	if cmd == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(cmd)
	if err != nil {
		status.Detail = fmt.Sprintf("command %q not found", cmd)
		return status
	}
	status.Available = true
	status.Path = path
	return status
}
