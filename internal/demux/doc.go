// Package demux implements the container parsers that sit between a
// raw byte stream and a codec decoder: MPEG audio frame/Xing/VBRI
// parsing and ISO-BMFF (MP4/M4A) box walking.
package demux
