package normalize

// APFS and HFS+ look names up normalization-insensitively.
const foldUnicode = true
