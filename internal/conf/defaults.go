// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "QuietObserver")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "quietobserver.log")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "quietobserver.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "observer")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
	viper.SetDefault("output.mysql.database", "quietobserver")

	viper.SetDefault("media.datadir", "data/")
	viper.SetDefault("media.livedir", "data/live/")

	viper.SetDefault("tools.ytdlppath", "yt-dlp")
	viper.SetDefault("tools.ffmpegpath", "ffmpeg")
	viper.SetDefault("tools.resolvetimeout", 30*time.Second)
	viper.SetDefault("tools.grabtimeout", 60*time.Second)
	viper.SetDefault("tools.streamttl", 10*time.Minute)
	viper.SetDefault("tools.maxheight", 720)

	viper.SetDefault("detector.confidencefloor", 0.10)
	viper.SetDefault("detector.suppressionthreshold", 0.45)
	viper.SetDefault("detector.inputsize", 640)
	viper.SetDefault("detector.threads", 0)
	viper.SetDefault("detector.usexnnpack", true)

	viper.SetDefault("workers.sampleinterval", 60*time.Second)
	viper.SetDefault("workers.inferenceinterval", 30*time.Second)
	viper.SetDefault("workers.autosampleinterval", 600*time.Second)
	viper.SetDefault("workers.lowconfidencethreshold", 0.3)
	viper.SetDefault("workers.highconfidencethreshold", 0.7)
}
