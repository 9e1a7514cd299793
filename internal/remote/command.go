package remote

import "strings"

// Cmd is a remote command as an argument vector. It is rendered to a shell
// line only by String, which quotes every argument that needs it.
type Cmd []string

// Command builds a Cmd from a program name and its arguments.
func Command(name string, args ...string) Cmd {
	return append(Cmd{name}, args...)
}

// Sudo prefixes c with a non-interactive sudo when enabled is true.
func (c Cmd) Sudo(enabled bool) Cmd {
	if !enabled {
		return c
	}
	return append(Cmd{"sudo", "-n"}, c...)
}

func (c Cmd) String() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// Chain joins commands so that each runs only if the previous one succeeded.
func Chain(cmds ...Cmd) string {
	parts := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if len(c) > 0 {
			parts = append(parts, c.String())
		}
	}
	return strings.Join(parts, " && ")
}

// Tolerate renders c so that a failure is ignored.
func Tolerate(c Cmd) string {
	return c.String() + " || true"
}

// Quote returns s in a form the remote POSIX shell reads back as one literal
// word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafeWord(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isSafeWord(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:,=@%+", r):
		default:
			return false
		}
	}
	return true
}
