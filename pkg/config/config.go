package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Defaulter 由配置结构实现，加载/热更新后补齐默认值
type Defaulter interface {
	SetDefaults()
}

// LoadAndWatch 约定 config/{service}.yaml，环境变量前缀为服务名大写，
// 例如 SETTLEMENT-SERVICE 下 DB_SOURCE_NAME 覆盖 db.source_name。
func LoadAndWatch(service string, out interface{}) (*viper.Viper, error) {
	v := newViper(service)
	v.SetConfigName(service)
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := read(v, out); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 热更新：只影响每个 tick 重新读取的参数（间隔、批量大小等）
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		if d, ok := out.(Defaulter); ok {
			d.SetDefaults()
		}
		log.Printf("[%s] config reloaded OK", service)
	})

	return v, nil
}

// LoadFile 读取指定文件，不监听变更
func LoadFile(path string, envPrefix string, out interface{}) error {
	v := newViper(envPrefix)
	v.SetConfigFile(path)
	return read(v, out)
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.ToUpper(envPrefix))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	return v
}

func read(v *viper.Viper, out interface{}) error {
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	if err := v.Unmarshal(out); err != nil {
		return err
	}
	if d, ok := out.(Defaulter); ok {
		d.SetDefaults()
	}
	return nil
}
