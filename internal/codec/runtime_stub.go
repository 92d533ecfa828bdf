//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

// New returns the codec for this build.
func New(quality QualityDefaults) Codec {
	return NewStd(quality)
}
