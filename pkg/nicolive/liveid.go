package nicolive

import (
	"regexp"

	"github.com/mujurin/ndgrclient-go/pkg/ndgrerr"
)

var liveIDPattern = regexp.MustCompile(`(lv|ch|user/)\d+`)

// ParseLiveID extracts a `lv<digits>`, `ch<digits>`, or `user/<digits>`
// live id out of a raw string (a bare id, or a full watch-page URL).
func ParseLiveID(raw string) (string, error) {
	m := liveIDPattern.FindString(raw)
	if m == "" {
		return "", &ndgrerr.LiveIdParseError{Input: raw}
	}
	return m, nil
}
