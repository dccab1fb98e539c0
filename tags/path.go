package tags

import "strings"

// PathSeparator separates path segments in the tag provider
const PathSeparator = "/"

var (
	segmentReplacer = strings.NewReplacer(".", "_", "+", "_", "#", "_")
	deviceReplacer  = strings.NewReplacer(".", "_", "+", "_", "#", "_", "/", "_")
)

// BuildPath returns the provider path of a device tag. The device name is
// the top segment; separators inside the tag name are kept so tags can be
// grouped into folders.
func BuildPath(device, tag string) string {
	d := deviceReplacer.Replace(strings.TrimSpace(device))
	t := strings.Trim(segmentReplacer.Replace(strings.TrimSpace(tag)), PathSeparator)
	if t == "" {
		return d
	}
	return d + PathSeparator + t
}
