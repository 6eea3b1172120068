package device

// Shot frame layout, 19 bytes on the wire:
//
//	AF 13 1A 11 01 00 04 03   header
//	S H V G S H V G           parameters, written twice
//	CL CH                     CRC16-Modbus over bytes [2:16], little endian
//	FA                        trailer
var frameHeader = []byte{0xAF, 0x13, 0x1A, 0x11, 0x01, 0x00, 0x04, 0x03}

const frameTrailer = 0xFA

// FrameSize is the fixed length of an encoded shot frame.
const FrameSize = 19

// EncodeShotFrame renders one shot as the machine's wire frame.
func EncodeShotFrame(p ShotParams) []byte {
	frame := make([]byte, 0, FrameSize)
	frame = append(frame, frameHeader...)
	for i := 0; i < 2; i++ {
		frame = append(frame, p.Speed, p.HorizontalAngle, p.VerticalAngle, p.Height)
	}
	crc := crc16Modbus(frame[2:])
	frame = append(frame, byte(crc&0xFF), byte(crc>>8), frameTrailer)
	return frame
}

// crc16Modbus computes the Modbus CRC16 (poly 0xA001, init 0xFFFF).
func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
