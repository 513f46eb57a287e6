//go:build !gocv

package capture

// Без OpenCV поддерживаются только файловые источники
func registerPlatform(*Registry) {}
