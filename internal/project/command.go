package project

import "strings"

// Command is an external command to run in the project directory.
type Command struct {
	Name string
	Args []string
	Env  []string // extra KEY=VALUE pairs
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CheckCommand is one candidate of a type-check plan.
type CheckCommand struct {
	Label   string
	Command Command
	// NonCritical commands count as satisfied even when they fail.
	NonCritical bool
}

// PackageManager builds package manager invocations.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
)

// Install returns the dependency install command.
func (pm PackageManager) Install(allowScripts bool) Command {
	var args []string
	switch pm {
	case PNPM, Yarn:
		args = []string{"install"}
	default:
		args = []string{"install", "--no-audit", "--no-fund"}
	}
	if !allowScripts {
		args = append(args, "--ignore-scripts")
	}
	return Command{Name: pm.binary(), Args: args}
}

// Run returns the command running a manifest script.
func (pm PackageManager) Run(script string, extra ...string) Command {
	if script == "start" && pm == NPM && len(extra) == 0 {
		return Command{Name: "npm", Args: []string{"start"}}
	}
	args := append([]string{"run", script}, extra...)
	return Command{Name: pm.binary(), Args: args}
}

// Exec returns the command running a locally installed binary.
func (pm PackageManager) Exec(bin string, args ...string) Command {
	switch pm {
	case PNPM, Yarn:
		return Command{Name: pm.binary(), Args: append([]string{"exec", bin}, args...)}
	default:
		return Command{Name: "npx", Args: append([]string{bin}, args...)}
	}
}

func (pm PackageManager) binary() string {
	if pm == "" {
		return string(NPM)
	}
	return string(pm)
}
