package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// instrumentState 单台仿真仪器的输出状态
type instrumentState struct {
	mu        sync.Mutex
	outputOn  bool
	voltageV  float64
	currentA  float64
	inputOn   bool
	ccLevelA  float64
	protVoltV float64
}

// main 是 SCPI 仪器仿真服务的入口
// 同一个端口同时应答电源和电子负载的命令集，供没有实体仪器时联调
func main() {
	addr := os.Getenv("SCPI_SIM_ADDR")
	if addr == "" {
		addr = ":5025"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "scpi-sim")
	slog.SetDefault(logger)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("监听失败", "addr", addr, "error", err)
		os.Exit(1)
	}
	logger.Info("=== SCPI 仪器仿真服务启动 ===", "addr", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Warn("接受连接失败", "error", err)
			continue
		}
		go serve(conn, logger)
	}
}

func serve(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	connLogger := logger.With("remote", conn.RemoteAddr().String())
	connLogger.Info("仪器连接建立")

	state := &instrumentState{}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		reply, hasReply := handle(state, cmd)
		if hasReply {
			fmt.Fprintf(conn, "%s\n", reply)
		}
	}
	connLogger.Info("仪器连接断开")
}

// handle 解析一条 SCPI 命令，查询命令返回应答
func handle(s *instrumentState, cmd string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		return "BENCH-SIM,SCPI-INSTRUMENT,0,1.0", true
	case upper == "SYST:ERR?":
		return `0,"No error"`, true
	case upper == "MEAS:VOLT?":
		return fmt.Sprintf("%.4f", s.measuredVoltage()), true
	case upper == "MEAS:CURR?":
		return fmt.Sprintf("%.4f", s.measuredCurrent()), true
	case upper == "OUTP ON":
		s.outputOn = true
	case upper == "OUTP OFF":
		s.outputOn = false
	case upper == "INP ON":
		s.inputOn = true
	case upper == "INP OFF":
		s.inputOn = false
	case strings.HasPrefix(upper, "VOLT:PROT "):
		s.protVoltV = parseLevel(cmd)
	case strings.HasPrefix(upper, "VOLT "):
		s.voltageV = parseLevel(cmd)
	case strings.HasPrefix(upper, "CURR "):
		// 负载与电源共用 CURR 设置，按当前模式记两份
		s.currentA = parseLevel(cmd)
		s.ccLevelA = s.currentA
	case strings.HasPrefix(upper, "FUNC "):
		// 负载工作模式设置，仿真中忽略
	}
	return "", false
}

// measuredVoltage 输出开启时在设定值附近抖动，关闭时回落到空载电压
func (s *instrumentState) measuredVoltage() float64 {
	if s.outputOn {
		return s.voltageV - 0.3 + rand.Float64()*0.1
	}
	if s.inputOn && s.protVoltV > 0 {
		return s.protVoltV + 1.5 + rand.Float64()*0.2
	}
	return 7.5 + rand.Float64()*0.1
}

func (s *instrumentState) measuredCurrent() float64 {
	if s.outputOn || s.inputOn {
		return s.currentA + rand.Float64()*0.002
	}
	return 0
}

func parseLevel(cmd string) float64 {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0
	}
	return v
}
