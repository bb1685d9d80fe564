// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// 服务注册名
const (
	Config      = "config"
	Logger      = "logger"
	Metrics     = "metrics"
	Store       = "store"
	Bridge      = "bridge"
	Settings    = "settings"
	Analysis    = "analysis"
	Images      = "images"
	Progress    = "progress"
	Locks       = "locks"
	Illustrator = "illustration"
	View        = "analysis_view"
	Studio      = "studio"
	Works       = "works"
	Selections  = "selections"
	Compose     = "compose"
	Draft       = "draft"
)

// Container 按名称保存服务实例
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// Register 在容器中注册一个服务实例
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// GetNames 已注册服务的名称，按字母排序
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 取出服务并断言类型
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("服务未注册: %s", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("服务 %s 类型不匹配: %T", name, service)
	}
	return typed, nil
}

// MustResolve 同 Resolve，失败时 panic，只用于启动阶段
func MustResolve[T any](c *Container, name string) T {
	typed, err := Resolve[T](c, name)
	if err != nil {
		panic(err)
	}
	return typed
}
