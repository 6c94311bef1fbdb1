package env

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// ParseCommandFile reads the files steps append to through RUNFLOW_OUTPUT
// and RUNFLOW_ENV. Each entry is either NAME=value on one line or a
// multi-line value written as
//
//	NAME<<DELIMITER
//	line 1
//	line 2
//	DELIMITER
func ParseCommandFile(data []byte) (Vars, error) {
	var vars Vars
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		eq := strings.Index(line, "=")
		hd := strings.Index(line, "<<")
		if hd > 0 && (eq < 0 || hd < eq) {
			name := line[:hd]
			delimiter := line[hd+2:]
			if name == "" || delimiter == "" {
				return nil, fmt.Errorf("line %d: invalid heredoc entry", lineNo)
			}
			var lines []string
			closed := false
			for scanner.Scan() {
				lineNo++
				l := strings.TrimRight(scanner.Text(), "\r")
				if l == delimiter {
					closed = true
					break
				}
				lines = append(lines, l)
			}
			if !closed {
				return nil, fmt.Errorf("line %d: missing delimiter %q for %s", lineNo, delimiter, name)
			}
			vars.Set(name, strings.Join(lines, "\n"))
			continue
		}
		if eq <= 0 {
			return nil, fmt.Errorf("line %d: expected NAME=value", lineNo)
		}
		vars.Set(line[:eq], line[eq+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}
