// SPDX-License-Identifier: MIT

package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/surfwright/surfwright/internal/errcode"
)

// args is a parsed argv tail: long flags plus positionals, order preserved.
type args struct {
	flags       map[string]string
	positionals []string
}

// boolFlags take no value; everything else consumes the next word unless
// written as --flag=value.
var boolFlags = map[string]bool{
	"--dry-run":           true,
	"--drop-unreachable":  true,
	"--json":              true,
	"--include-artifacts": true,
}

// parseArgs splits rest into flags and positionals. Unknown flags are kept;
// handlers decide which ones they accept.
func parseArgs(rest []string) args {
	out := args{flags: make(map[string]string)}
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		if !strings.HasPrefix(arg, "--") {
			out.positionals = append(out.positionals, arg)
			continue
		}
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			out.flags[arg[:eq]] = arg[eq+1:]
			continue
		}
		if boolFlags[arg] {
			out.flags[arg] = "true"
			continue
		}
		if i+1 < len(rest) {
			out.flags[arg] = rest[i+1]
			i++
		} else {
			out.flags[arg] = ""
		}
	}
	return out
}

func (a args) str(flag string) string { return a.flags[flag] }

func (a args) has(flag string) bool {
	_, ok := a.flags[flag]
	return ok
}

func (a args) boolean(flag string) bool {
	v, ok := a.flags[flag]
	return ok && v != "false" && v != "0"
}

func (a args) integer(flag string, def int) (int, error) {
	v, ok := a.flags[flag]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errcode.New(errcode.QueryInvalid, "flag %s expects an integer, got %q", flag, v)
	}
	return n, nil
}

func (a args) millis(flag string, def time.Duration) (time.Duration, error) {
	v, ok := a.flags[flag]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errcode.New(errcode.QueryInvalid, "flag %s expects milliseconds, got %q", flag, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
