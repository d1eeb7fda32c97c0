package normalize

import "time"

// LinuxSyslog normalizes general Linux system logs (syslog, messages). The
// line grammar is identical to auth logs; only the default module label
// differs, so the variant reuses the auth parser wholesale.
type LinuxSyslog struct {
	LinuxAuth
}

// NewLinuxSyslog returns a normalizer for general Linux system logs.
func NewLinuxSyslog() *LinuxSyslog {
	return &LinuxSyslog{LinuxAuth{Module: "linux_syslog", now: time.Now}}
}
