package command

import (
	"fmt"
	"strings"
)

// Chunk splits output into pieces of whole lines. Each line costs its length
// plus one for the newline; a chunk is closed before it would exceed max.
// A single line longer than max becomes a chunk of its own.
func Chunk(output string, max int) []string {
	if output == "" {
		return nil
	}
	lines := strings.Split(output, "\n")
	if strings.HasSuffix(output, "\n") {
		lines = lines[:len(lines)-1]
	}

	var chunks []string
	var current []string
	size := 0
	for _, line := range lines {
		cost := len(line) + 1
		if size+cost > max && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			size = 0
		}
		current = append(current, line)
		size += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

func truncationNote(analysed, total int) string {
	pct := float64(analysed) / float64(total) * 100
	return fmt.Sprintf("The analysis stopped.\nThe output is too long for complete analysis.\nAnalysed %.0f%% of the result (%d of %d chunks).", pct, analysed, total)
}

func joinAnalyses(parts []string) string {
	return strings.Join(parts, "\n\n")
}
