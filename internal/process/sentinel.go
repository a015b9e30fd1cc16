package process

import "strings"

// Sentinels are the fixed ASCII markers written to and echoed back from cdb
// stdio. cdb has no reliable end-of-output marker, so the pump brackets
// real command output between an observed Start and End line; anything
// outside that window is discarded.
type Sentinels struct {
	Start     string
	End       string
	Separator string
}

// Validate rejects sentinel configuration that could collide or be empty;
// callers load these from config.ProcessConfig.
func (s Sentinels) Validate() bool {
	if s.Start == "" || s.End == "" || s.Separator == "" {
		return false
	}
	if s.Start == s.End || s.Start == s.Separator || s.End == s.Separator {
		return false
	}
	return true
}

func (s Sentinels) isStartLine(line string) bool {
	return strings.TrimSpace(line) == s.Start
}

func (s Sentinels) isEndLine(line string) bool {
	return strings.TrimSpace(line) == s.End
}
