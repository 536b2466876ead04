// tool_compress.go implements per-tool result compression. Each strategy
// keeps the part of an oversized result the model is most likely to need.
package copilot

import (
	"fmt"
	"strings"
)

// compressDefault hard-truncates with a marker.
func compressDefault(result string, limit int) string {
	if len(result) <= limit {
		return result
	}
	return result[:limit] + "\n... (truncated)"
}

// compressWebSearch keeps the first 5 numbered entries verbatim and counts
// the rest. Entries are paragraphs starting with "N." or "N)".
func compressWebSearch(result string, limit int) string {
	entries := splitNumberedEntries(result)
	if len(entries) <= 5 {
		return compressDefault(result, limit)
	}
	kept := strings.Join(entries[:5], "\n\n")
	out := fmt.Sprintf("%s\n\n(%d more omitted)", kept, len(entries)-5)
	return compressDefault(out, limit)
}

func splitNumberedEntries(result string) []string {
	paras := strings.Split(result, "\n\n")
	var entries []string
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isNumberedEntry(p) || len(entries) == 0 {
			entries = append(entries, p)
		} else {
			// Continuation of the previous entry.
			entries[len(entries)-1] += "\n\n" + p
		}
	}
	return entries
}

func isNumberedEntry(p string) bool {
	i := 0
	for i < len(p) && p[i] >= '0' && p[i] <= '9' {
		i++
	}
	return i > 0 && i < len(p) && (p[i] == '.' || p[i] == ')')
}

// compressDirListing keeps every folder and the head and tail of the file
// list. Folders end with "/" by the listing tool's convention.
func compressDirListing(result string, limit int) string {
	lines := strings.Split(result, "\n")
	var folders, files []string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasSuffix(strings.TrimSpace(line), "/") {
			folders = append(folders, line)
		} else {
			files = append(files, line)
		}
	}

	var b strings.Builder
	for _, f := range folders {
		b.WriteString(f)
		b.WriteString("\n")
	}

	// Budget what's left for files, head-heavy.
	remaining := limit - b.Len()
	if remaining <= 0 {
		return compressDefault(b.String(), limit)
	}
	head, tail := files, []string(nil)
	if len(files) > 40 {
		head, tail = files[:30], files[len(files)-10:]
	}
	for _, f := range head {
		b.WriteString(f)
		b.WriteString("\n")
	}
	if tail != nil {
		fmt.Fprintf(&b, "... (%d files omitted)\n", len(files)-len(head)-len(tail))
		for _, f := range tail {
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return compressDefault(strings.TrimRight(b.String(), "\n"), limit)
}

// compressHead keeps the beginning of the result up to 80% of the cap —
// for file reads, where the opening matters most.
func compressHead(result string, limit int) string {
	keep := limit * 8 / 10
	if len(result) <= keep {
		return result
	}
	return result[:keep] + "\n... (truncated, showing first part)"
}

// compressTail keeps the end up to 80% of the cap — for logs, where the
// latest lines matter most.
func compressTail(result string, limit int) string {
	keep := limit * 8 / 10
	if len(result) <= keep {
		return result
	}
	return "... (truncated, showing last part)\n" + result[len(result)-keep:]
}
