// Package bitstream implements the bounded big-endian cursor every unet codec
// packs into and unpacks from.
//
// A Bitstream wraps a caller-owned byte slice. Writes and reads are all or
// nothing: an operation that would cross the bound leaves the cursor where it
// was and records ErrOverflow, which stays set until Reset. Codecs therefore
// pack or unpack a whole header and check Err once at the end.
//
// Snapshots support back-patching length fields:
//
//	s := b.Snapshot()
//	b.WriteUint8(0) // placeholder
//	b.WriteBytes(value)
//	b.Rollback(&s) // back to the placeholder
//	b.WriteUint8(uint8(len(value)))
//	b.Rollover(&s) // forward to the end of value
package bitstream
