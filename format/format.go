// Package format registers every container handler with an avutil
// handler registry.
package format

import (
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/format/aac"
	"github.com/tyrese/avmux/format/flv"
	"github.com/tyrese/avmux/format/h26x"
	"github.com/tyrese/avmux/format/mp4"
	"github.com/tyrese/avmux/format/ts"
)

type Options struct {
	TS  ts.Options
	MP4 mp4.Options
	FLV flv.Options
	// frame rate assumed for raw Annex-B input
	FPS int
}

func DefaultOptions() Options {
	return Options{
		TS:  ts.DefaultOptions(),
		MP4: mp4.DefaultOptions(),
		FLV: flv.DefaultOptions(),
		FPS: 30,
	}
}

func Register(handlers *avutil.Handlers, opts Options) {
	handlers.Add(mp4.Handler(opts.MP4))
	handlers.Add(ts.Handler(opts.TS))
	handlers.Add(flv.Handler(opts.FLV))
	handlers.Add(aac.Handler)
	for _, h := range h26x.Handlers(opts.FPS) {
		handlers.Add(h)
	}
}
