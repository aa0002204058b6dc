// Package eeprom 实现底座 EEPROM 中 152 字节型号参数块的编解码
// 布局为固定偏移、小端序，版本号 2；CRC-16/MODBUS 覆盖 0x00..0x4B
package eeprom

import (
	"encoding/binary"
	"fmt"

	"battery-test-bench/internal/types"
)

// BlockSize 参数块总长度
const BlockSize = 152

// FormatVersion 当前布局版本
const FormatVersion = 2

// 字段偏移量，与底座烧录工具约定一致
const (
	offVersion              = 0x00
	offBatteryType          = 0x01
	offNominalCapacity      = 0x02
	offCellCount            = 0x04
	offNominalVoltage       = 0x06
	offChargeVoltageLimit   = 0x08
	offStdChargeCurrent     = 0x0A
	offStdChargeDuration    = 0x0C
	offTrickleCurrent       = 0x0E
	offRecondCurrent        = 0x10
	offRecondDuration       = 0x12
	offRecondThreshold      = 0x14
	offCapTestCurrent       = 0x18
	offCapTestEndVoltage    = 0x1A
	offCapTestMaxDuration   = 0x1C
	offCapTestRestBefore    = 0x1E
	offCapTestPassMinutes   = 0x20
	offCapTestPassPct       = 0x22
	offVoltageCheckTime     = 0x24
	offVoltageCheckMin      = 0x26
	offFastEnabled          = 0x28
	offFastCurrent          = 0x2A
	offFastEndVoltage       = 0x2C
	offFastPassMinutes      = 0x2E
	offFastRestBefore       = 0x30
	offPreDischargeCurrent  = 0x34
	offPreDischargeVoltage  = 0x36
	offPostChargeEnabled    = 0x38
	offPostChargeDuration   = 0x3A
	offMaxChargeTemp        = 0x3C
	offMaxDischargeTemp     = 0x3E
	offEmergencyTemp        = 0x40
	offMinOperatingTemp     = 0x42
	offAbsoluteMinVoltage   = 0x44
	offAgeRestThreshold     = 0x48
	offAgeRestDuration      = 0x4A
	offCRC                  = 0x4C
	offPartNumber           = 0x50
	offModelDescription     = 0x70
	offManufacturerCode     = 0x90
	partNumberLen           = 32
	modelDescriptionLen     = 32
	manufacturerCodeLen     = 8
	crcCoverage             = 0x4C // CRC 覆盖 [0, 0x4C)
)

// CRC16Modbus 计算 CRC-16/MODBUS (初值 0xFFFF，多项式 0xA001，低位在前)
func CRC16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// DecodeResult 解码结果：CRC 不一致只降级为警告，不判失败
type DecodeResult struct {
	Config   *types.BatteryModelConfig
	CRCValid bool
}

// Decode 解析 EEPROM 原始字节为型号参数
// 缓冲区不足或版本不符返回错误；CRC 不一致在结果中标记
func Decode(raw []byte) (*DecodeResult, error) {
	if len(raw) < BlockSize {
		return nil, fmt.Errorf("EEPROM 数据长度不足: 需要 %d 字节，实际 %d", BlockSize, len(raw))
	}
	if raw[offVersion] != FormatVersion {
		return nil, fmt.Errorf("不支持的 EEPROM 布局版本: %d", raw[offVersion])
	}

	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(raw[off:]) }
	s16Tenths := func(off int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(raw[off:]))) / 10.0
	}

	cfg := &types.BatteryModelConfig{
		FormatVersion: raw[offVersion],
		BatteryType:   types.BatteryType(raw[offBatteryType]),

		NominalCapacityMAh: u16(offNominalCapacity),
		CellCount:          raw[offCellCount],
		NominalVoltageMV:   u16(offNominalVoltage),

		ChargeVoltageLimitMV:      u16(offChargeVoltageLimit),
		StandardChargeCurrentMA:   u16(offStdChargeCurrent),
		StandardChargeDurationMin: u16(offStdChargeDuration),
		TrickleChargeCurrentMA:    u16(offTrickleCurrent),

		ReconditionChargeCurrentMA:        u16(offRecondCurrent),
		ReconditionChargeDurationMin:      u16(offRecondDuration),
		ReconditionStorageThresholdMonths: u16(offRecondThreshold),

		CapTestDischargeCurrentMA: u16(offCapTestCurrent),
		CapTestEndVoltageMV:       u16(offCapTestEndVoltage),
		CapTestMaxDurationMin:     u16(offCapTestMaxDuration),
		CapTestRestBeforeMin:      u16(offCapTestRestBefore),

		CapTestPassMinMinutes:      u16(offCapTestPassMinutes),
		CapTestPassMinCapacityPct:  u16(offCapTestPassPct),
		CapTestVoltageCheckTimeMin: u16(offVoltageCheckTime),
		CapTestVoltageCheckMinMV:   u16(offVoltageCheckMin),

		FastDischargeEnabled:        raw[offFastEnabled] != 0,
		FastDischargeCurrentMA:      u16(offFastCurrent),
		FastDischargeEndVoltageMV:   u16(offFastEndVoltage),
		FastDischargePassMinMinutes: u16(offFastPassMinutes),
		FastDischargeRestBeforeMin:  u16(offFastRestBefore),

		PreDischargeCurrentMA:    u16(offPreDischargeCurrent),
		PreDischargeEndVoltageMV: u16(offPreDischargeVoltage),

		PostChargeEnabled:     raw[offPostChargeEnabled] != 0,
		PostChargeDurationMin: u16(offPostChargeDuration),

		MaxChargeTempC:    s16Tenths(offMaxChargeTemp),
		MaxDischargeTempC: s16Tenths(offMaxDischargeTemp),
		EmergencyTempMaxC: s16Tenths(offEmergencyTemp),
		MinOperatingTempC: s16Tenths(offMinOperatingTemp),

		AbsoluteMinVoltageMV: u16(offAbsoluteMinVoltage),

		AgeRestThresholdMonths: u16(offAgeRestThreshold),
		AgeRestDurationMin:     u16(offAgeRestDuration),

		PartNumber:       decodeString(raw[offPartNumber : offPartNumber+partNumberLen]),
		ModelDescription: decodeString(raw[offModelDescription : offModelDescription+modelDescriptionLen]),
		ManufacturerCode: decodeString(raw[offManufacturerCode : offManufacturerCode+manufacturerCodeLen]),
	}

	stored := u16(offCRC)
	computed := CRC16Modbus(raw[:crcCoverage])

	return &DecodeResult{Config: cfg, CRCValid: stored == computed}, nil
}

// Encode 将型号参数编码为 152 字节块，CRC 自动计算
// 字符串超长返回错误而不是静默截断
func Encode(cfg *types.BatteryModelConfig) ([]byte, error) {
	if err := validateString("零件号", cfg.PartNumber, partNumberLen); err != nil {
		return nil, err
	}
	if err := validateString("型号描述", cfg.ModelDescription, modelDescriptionLen); err != nil {
		return nil, err
	}
	if err := validateString("制造商代码", cfg.ManufacturerCode, manufacturerCodeLen); err != nil {
		return nil, err
	}

	raw := make([]byte, BlockSize)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(raw[off:], v) }
	putTemp := func(off int, c float64) {
		binary.LittleEndian.PutUint16(raw[off:], uint16(int16(c*10)))
	}

	raw[offVersion] = FormatVersion
	raw[offBatteryType] = byte(cfg.BatteryType)
	put16(offNominalCapacity, cfg.NominalCapacityMAh)
	raw[offCellCount] = cfg.CellCount
	put16(offNominalVoltage, cfg.NominalVoltageMV)
	put16(offChargeVoltageLimit, cfg.ChargeVoltageLimitMV)
	put16(offStdChargeCurrent, cfg.StandardChargeCurrentMA)
	put16(offStdChargeDuration, cfg.StandardChargeDurationMin)
	put16(offTrickleCurrent, cfg.TrickleChargeCurrentMA)
	put16(offRecondCurrent, cfg.ReconditionChargeCurrentMA)
	put16(offRecondDuration, cfg.ReconditionChargeDurationMin)
	put16(offRecondThreshold, cfg.ReconditionStorageThresholdMonths)
	put16(offCapTestCurrent, cfg.CapTestDischargeCurrentMA)
	put16(offCapTestEndVoltage, cfg.CapTestEndVoltageMV)
	put16(offCapTestMaxDuration, cfg.CapTestMaxDurationMin)
	put16(offCapTestRestBefore, cfg.CapTestRestBeforeMin)
	put16(offCapTestPassMinutes, cfg.CapTestPassMinMinutes)
	put16(offCapTestPassPct, cfg.CapTestPassMinCapacityPct)
	put16(offVoltageCheckTime, cfg.CapTestVoltageCheckTimeMin)
	put16(offVoltageCheckMin, cfg.CapTestVoltageCheckMinMV)
	if cfg.FastDischargeEnabled {
		raw[offFastEnabled] = 1
	}
	put16(offFastCurrent, cfg.FastDischargeCurrentMA)
	put16(offFastEndVoltage, cfg.FastDischargeEndVoltageMV)
	put16(offFastPassMinutes, cfg.FastDischargePassMinMinutes)
	put16(offFastRestBefore, cfg.FastDischargeRestBeforeMin)
	put16(offPreDischargeCurrent, cfg.PreDischargeCurrentMA)
	put16(offPreDischargeVoltage, cfg.PreDischargeEndVoltageMV)
	if cfg.PostChargeEnabled {
		raw[offPostChargeEnabled] = 1
	}
	put16(offPostChargeDuration, cfg.PostChargeDurationMin)
	putTemp(offMaxChargeTemp, cfg.MaxChargeTempC)
	putTemp(offMaxDischargeTemp, cfg.MaxDischargeTempC)
	putTemp(offEmergencyTemp, cfg.EmergencyTempMaxC)
	putTemp(offMinOperatingTemp, cfg.MinOperatingTempC)
	put16(offAbsoluteMinVoltage, cfg.AbsoluteMinVoltageMV)
	put16(offAgeRestThreshold, cfg.AgeRestThresholdMonths)
	put16(offAgeRestDuration, cfg.AgeRestDurationMin)

	copy(raw[offPartNumber:], cfg.PartNumber)
	copy(raw[offModelDescription:], cfg.ModelDescription)
	copy(raw[offManufacturerCode:], cfg.ManufacturerCode)

	put16(offCRC, CRC16Modbus(raw[:crcCoverage]))
	return raw, nil
}

// decodeString 读取 null 结尾的 ASCII 字段
func decodeString(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// validateString 字符串必须留出 null 结尾的位置
func validateString(name, s string, maxLen int) error {
	if len(s) >= maxLen {
		return fmt.Errorf("%s 超过 %d 字节上限: %q", name, maxLen-1, s)
	}
	for _, r := range s {
		if r > 0x7F {
			return fmt.Errorf("%s 含非 ASCII 字符: %q", name, s)
		}
	}
	return nil
}
