package main

import (
	"bufio"
	"context"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/av/pktque"
	"github.com/tyrese/avmux/av/syncmux"
	"github.com/tyrese/avmux/config"
	"github.com/tyrese/avmux/format"
)

type muxArgs struct {
	video  string
	audio  string
	fps    int
	output string
}

func newMuxCmd() *cobra.Command {
	var args muxArgs
	cmd := &cobra.Command{
		Use:   "mux",
		Short: "Mux elementary streams into a container",
		Example: `  avmux mux --video in.h264 --audio in.aac -o out.ts
  avmux mux --video in.h265 --fps 25 -o out.mp4`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var reg *prometheus.Registry
			if cfg.MetricsAddr != "" {
				reg = prometheus.NewRegistry()
				srv := serveMetrics(cfg.MetricsAddr, reg)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
			}
			return runMux(cfg, args, reg)
		},
	}
	cmd.Flags().StringVar(&args.video, "video", "", "H.264/H.265 Annex-B input (.h264, .264, .h265, .265, .hevc)")
	cmd.Flags().StringVar(&args.audio, "audio", "", "AAC ADTS input (.aac)")
	cmd.Flags().IntVar(&args.fps, "fps", 30, "frame rate of the video input")
	cmd.Flags().StringVarP(&args.output, "output", "o", "", "output file, format chosen by extension (.ts, .mp4, .flv, .aac)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()
	logrus.WithField("addr", addr).Info("serving metrics")
	return srv
}

// runMux copies the inputs into the output file. reg may be nil.
func runMux(cfg *config.Config, args muxArgs, reg prometheus.Registerer) (err error) {
	if args.video == "" && args.audio == "" {
		return errors.New("mux: need --video or --audio")
	}
	if args.fps <= 0 {
		return errors.Errorf("mux: invalid fps %d", args.fps)
	}

	handlers := &avutil.Handlers{}
	format.Register(handlers, cfg.FormatOptions(args.fps))

	reader := &avutil.MultiReader{}
	for _, input := range []string{args.video, args.audio} {
		if input == "" {
			continue
		}
		var demuxer avutil.DemuxCloser
		if demuxer, err = handlers.Open(input); err != nil {
			return
		}
		defer demuxer.Close()
		reader.Readers = append(reader.Readers, demuxer)
	}

	handler, ok := handlers.Find(args.output)
	if !ok || handler.SinkMuxer == nil {
		return errors.Errorf("mux: no muxer for %s", args.output)
	}
	f, err := os.Create(args.output)
	if err != nil {
		return
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1<<16)
	sink := &avutil.WriterSink{W: w}

	var metrics *syncmux.Metrics
	var psink av.PacketSink = sink
	if reg != nil {
		metrics = syncmux.NewMetrics(reg)
		psink = metrics.Sink(sink)
	}
	muxer := handler.SinkMuxer(psink)

	var sm *syncmux.Muxer
	if cfg.SyncEnabled {
		sm = syncmux.New(muxer)
		sm.Metrics = metrics
		muxer = sm
	}

	log := logrus.WithFields(logrus.Fields{"output": args.output, "video": args.video, "audio": args.audio})
	src := &pktque.FilterReader{
		FrameReader: reader,
		Filter:      pktque.Filters{&pktque.WaitKeyFrame{}, &pktque.FixTime{StartFromZero: true}},
	}
	if err = avutil.CopyFrames(muxer, src); err != nil {
		return
	}
	if sm != nil {
		if err = sm.Drain(time.Duration(math.MaxInt64)); err != nil && !errors.Is(err, av.ErrFraming) {
			return
		}
	}
	if err = muxer.StopStream(); err != nil {
		return
	}
	if err = w.Flush(); err != nil {
		return
	}
	log.WithField("bytes", sink.N).Info("mux done")
	return
}
