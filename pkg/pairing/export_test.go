package pairing

// Exported for external test package use only; not part of the public API.
var ExportECBEncrypt = ecbEncrypt
var ExportECBDecrypt = ecbDecrypt
