// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/nacos"
	"flashsale/internal/tracing"

	"golang.org/x/sync/errgroup"
)

// AppCtx 是注册回调可以使用的运行时资源
type AppCtx struct {
	Ctx   context.Context // 收到退出信号时取消
	Mux   *http.ServeMux
	Group *errgroup.Group // 后台 worker 在这里启动，必须在 Ctx 取消后返回
}

// AppInfo 包含了启动一个服务所需的所有特定信息
type AppInfo struct {
	ServiceName string
	Port        int // 0 表示不启动 HTTP 服务
	Jaeger      JaegerConfig
	Nacos       *nacos.Client // 为 nil 时不做服务注册

	RegisterHandlers func(appCtx AppCtx)
	// OnShutdown 在 HTTP 服务和 worker 都退出之后调用，用于关闭连接
	OnShutdown func(ctx context.Context)
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到收到退出信号或某个 worker 失败
func StartService(info AppInfo) error {
	log := logger.L()

	if info.Jaeger.Endpoint != "" {
		tp, err := tracing.InitTracerProvider(info.ServiceName, info.Jaeger.Endpoint, info.Jaeger.SampleRatio)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Error shutting down tracer provider")
			} else {
				log.Info().Msg("Tracer provider shut down.")
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Ctx: ctx, Mux: mux, Group: g})
	}

	var server *http.Server
	if info.Port > 0 {
		server = &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
			}
			return nil
		})
	}

	var ip string
	if info.Nacos != nil && info.Port > 0 {
		var err error
		if ip, err = outboundIP(); err != nil {
			return fmt.Errorf("failed to get outbound IP address: %w", err)
		}
		if err := info.Nacos.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			return err
		}
	}

	<-ctx.Done()
	log.Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 按启动的逆序清理：先摘流量，再停服务
	if ip != "" {
		if err := info.Nacos.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down http server")
		} else {
			log.Info().Msg("HTTP server shut down.")
		}
	}

	err := g.Wait()
	if info.OnShutdown != nil {
		info.OnShutdown(shutdownCtx)
	}
	if info.Nacos != nil {
		info.Nacos.Close()
	}
	if err != nil {
		return err
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}

// outboundIP 返回本机对外通信使用的地址，不会真的发送数据
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
