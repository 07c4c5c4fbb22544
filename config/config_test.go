package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	InitializeLogger(log.New())
}

func TestLoadDefaults(t *testing.T) {
	Convey("Loading an empty path returns every §6.4 default", t, func() {
		cfg, err := Load("")
		So(err, ShouldBeNil)
		So(cfg.DetectionInterval, ShouldEqual, Duration(30*time.Second))
		So(cfg.RateLimits.Critical, ShouldEqual, 10)
		So(cfg.RateLimits.Standard, ShouldEqual, 30)
		So(cfg.HubShards, ShouldEqual, 8)
		So(cfg.SeverityWeights.Time, ShouldEqual, 3)
	})

	Convey("Loading a missing path is not an error: defaults apply", t, func() {
		cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
		So(err, ShouldBeNil)
		So(cfg.ExecutorPoolSize, ShouldEqual, 8)
	})
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	Convey("Given a YAML file overriding only a few keys", t, func() {
		path := filepath.Join(t.TempDir(), "railctl.yaml")
		yaml := "detection_interval: 5s\nrate_limits:\n  critical: 20\n"
		So(os.WriteFile(path, []byte(yaml), 0o644), ShouldBeNil)

		cfg, err := Load(path)

		Convey("The overridden keys change and everything else keeps its default", func() {
			So(err, ShouldBeNil)
			So(cfg.DetectionInterval, ShouldEqual, Duration(5*time.Second))
			So(cfg.RateLimits.Critical, ShouldEqual, 20)
			So(cfg.RateLimits.Standard, ShouldEqual, 30) // untouched, still the default
			So(cfg.HubShards, ShouldEqual, 8)
		})
	})
}

func TestHolderWatchReloadsOnWrite(t *testing.T) {
	Convey("Given a Holder watching a config file", t, func() {
		path := filepath.Join(t.TempDir(), "railctl.yaml")
		So(os.WriteFile(path, []byte("rate_limits:\n  critical: 10\n"), 0o644), ShouldBeNil)

		h, err := NewHolder(path)
		So(err, ShouldBeNil)
		So(h.Current().RateLimits.Critical, ShouldEqual, 10)

		stop := make(chan struct{})
		So(h.Watch(stop), ShouldBeNil)
		defer close(stop)

		Convey("Rewriting the file updates Current() after the debounce window", func() {
			So(os.WriteFile(path, []byte("rate_limits:\n  critical: 99\n"), 0o644), ShouldBeNil)

			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if h.Current().RateLimits.Critical == 99 {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			So(h.Current().RateLimits.Critical, ShouldEqual, 99)
		})
	})
}
