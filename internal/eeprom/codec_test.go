package eeprom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/types"
)

func sampleConfig() *types.BatteryModelConfig {
	return &types.BatteryModelConfig{
		FormatVersion:      FormatVersion,
		BatteryType:        types.BatteryNiCd,
		NominalCapacityMAh: 2300,
		CellCount:          20,
		NominalVoltageMV:   24000,

		ChargeVoltageLimitMV:      31000,
		StandardChargeCurrentMA:   230,
		StandardChargeDurationMin: 960,
		TrickleChargeCurrentMA:    50,

		ReconditionChargeCurrentMA:        115,
		ReconditionChargeDurationMin:      1200,
		ReconditionStorageThresholdMonths: 6,

		CapTestDischargeCurrentMA: 460,
		CapTestEndVoltageMV:       20000,
		CapTestMaxDurationMin:     360,
		CapTestRestBeforeMin:      60,

		CapTestPassMinMinutes:      270,
		CapTestPassMinCapacityPct:  85,
		CapTestVoltageCheckTimeMin: 240,
		CapTestVoltageCheckMinMV:   22000,

		FastDischargeEnabled:        true,
		FastDischargeCurrentMA:      2300,
		FastDischargeEndVoltageMV:   20000,
		FastDischargePassMinMinutes: 48,
		FastDischargeRestBeforeMin:  60,

		PreDischargeCurrentMA:    0,
		PreDischargeEndVoltageMV: 0,

		PostChargeEnabled:     true,
		PostChargeDurationMin: 180,

		MaxChargeTempC:    45.5,
		MaxDischargeTempC: 55.0,
		EmergencyTempMaxC: 65.0,
		MinOperatingTempC: -10.0,

		AbsoluteMinVoltageMV: 18000,

		AgeRestThresholdMonths: 24,
		AgeRestDurationMin:     240,

		PartNumber:       "023220-000",
		ModelDescription: "MARATHON NICAD 20 CELL",
		ManufacturerCode: "MARA",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := sampleConfig()

	raw, err := Encode(cfg)
	require.NoError(t, err)
	require.Len(t, raw, BlockSize)

	res, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, res.CRCValid)
	assert.Equal(t, cfg, res.Config)
}

func TestDecodeNegativeTemperature(t *testing.T) {
	cfg := sampleConfig()
	cfg.MinOperatingTempC = -25.5

	raw, err := Encode(cfg)
	require.NoError(t, err)

	res, err := Decode(raw)
	require.NoError(t, err)
	assert.InDelta(t, -25.5, res.Config.MinOperatingTempC, 0.01)
}

func TestDecodeCRCMismatchIsWarningNotError(t *testing.T) {
	raw, err := Encode(sampleConfig())
	require.NoError(t, err)

	// 篡改覆盖范围内的一个字节
	raw[offNominalCapacity] ^= 0xFF

	res, err := Decode(raw)
	require.NoError(t, err)
	assert.False(t, res.CRCValid)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, BlockSize-1))
	assert.Error(t, err)
}

func TestDecodeUnknownVersion(t *testing.T) {
	raw, err := Encode(sampleConfig())
	require.NoError(t, err)
	raw[offVersion] = 9

	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestEncodeRejectsOverlongStrings(t *testing.T) {
	cfg := sampleConfig()
	cfg.ManufacturerCode = "TOOLONGCODE"

	_, err := Encode(cfg)
	assert.Error(t, err)
}

func TestCRC16ModbusKnownVector(t *testing.T) {
	// 标准校验向量: "123456789" -> 0x4B37
	assert.Equal(t, uint16(0x4B37), CRC16Modbus([]byte("123456789")))
}
