//go:build !darwin

package normalize

// Names are opaque bytes; NFC and NFD spellings are different files.
const foldUnicode = false
