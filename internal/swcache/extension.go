package swcache

// CacheName names the durable store. Bump the suffix to abandon every
// previously cached entry on the next deployment.
const CacheName = "gallery-images-v1"

var imageExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"webp": {},
	"gif":  {},
}

// Intercepts reports whether ext (already lower-cased) is a cached image type.
func Intercepts(ext string) bool {
	if ext == "" {
		return false
	}
	_, ok := imageExtensions[ext]
	return ok
}
