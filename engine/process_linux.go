package engine

import (
	"os"
	"strconv"
	"strings"
)

// alive reports whether pid is running and not a zombie, by reading its
// /proc/<pid>/stat state field. A process whose parent hasn't reaped it
// yet shows as 'Z' there even though the pid still resolves.
func alive(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// Fields: pid (comm) state ...  comm may itself contain spaces/parens,
	// so split on the last ')' rather than naive whitespace splitting.
	s := string(data)
	paren := strings.LastIndex(s, ")")
	if paren < 0 || paren+2 >= len(s) {
		return false
	}
	fields := strings.Fields(s[paren+1:])
	if len(fields) == 0 {
		return false
	}
	return fields[0] != "Z"
}
