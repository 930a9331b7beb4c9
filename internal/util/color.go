package util

import "hash/fnv"

var palette = []string{
	"#E57373", "#F06292", "#BA68C8", "#7986CB",
	"#4FC3F7", "#4DB6AC", "#81C784", "#FFB74D",
}

// ColorFor picks a stable presence color for a user id.
func ColorFor(seed string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return palette[h.Sum32()%uint32(len(palette))]
}
