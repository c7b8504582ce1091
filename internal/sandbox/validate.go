package sandbox

import (
	"fmt"
	"strings"
)

// deniedSequences are refused anywhere in a command line. Commands are
// never handed to a shell, so this is a second line of defense. It rejects
// some legitimate inputs too, such as a source path containing '&' or '$'.
var deniedSequences = []string{
	";", "&&", "||", "|", "`", "$", "<", ">", "&", "\n", "\r",
}

// Validate returns an error wrapping ErrRejected if command is blank or
// contains a denylisted shell metacharacter.
func Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrRejected)
	}
	for _, seq := range deniedSequences {
		if strings.Contains(command, seq) {
			return fmt.Errorf("%w: contains disallowed character %q", ErrRejected, seq)
		}
	}
	return nil
}
