package mission

import (
	"fmt"
	"path"
	"strings"
)

// Validate reports every problem with the plan in one error so a broken plan
// is rejected before a sandbox is provisioned.
func (p Plan) Validate() error {
	problems := []string{}
	for i, step := range p.Steps {
		label := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(step.Name) != "" {
			label = fmt.Sprintf("step %q", step.Name)
		}
		if strings.TrimSpace(step.Command) == "" {
			problems = append(problems, label+" has no command")
		}
		if step.TimeoutSeconds < 0 {
			problems = append(problems, label+" has a negative timeout")
		}
		if step.Kind != "" && !step.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("%s has unknown kind %q", label, step.Kind))
		}
	}
	for i, fix := range p.Fixes {
		if reason := invalidTreePath(fix.Path); reason != "" {
			problems = append(problems, fmt.Sprintf("fixes[%d] %s", i, reason))
		}
	}
	if branch := strings.TrimSpace(p.Branch); branch != "" {
		if reason := invalidBranchName(branch); reason != "" {
			problems = append(problems, "branch "+reason)
		}
	}
	if p.Push && strings.TrimSpace(p.Branch) == "" {
		problems = append(problems, "push requires a branch")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid plan: %s", strings.Join(problems, "; "))
}

func invalidTreePath(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return "has an empty path"
	case strings.HasPrefix(p, "/"):
		return fmt.Sprintf("path %q must be relative to the working tree", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Sprintf("path %q leaves the working tree", p)
	}
	return ""
}

// invalidBranchName applies the subset of git-check-ref-format rules that
// matter for branches we create.
func invalidBranchName(name string) string {
	switch {
	case strings.HasPrefix(name, "-"):
		return fmt.Sprintf("%q cannot start with '-'", name)
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return fmt.Sprintf("%q cannot start or end with '/'", name)
	case strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, "."):
		return fmt.Sprintf("%q has an invalid suffix", name)
	case strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{"):
		return fmt.Sprintf("%q contains an invalid sequence", name)
	case strings.ContainsAny(name, " ~^:?*[\\\t\n"):
		return fmt.Sprintf("%q contains an invalid character", name)
	}
	return ""
}
