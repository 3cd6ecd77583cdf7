package config

var programVersion = "_" + "TAG_"

// GetProgramVersion returns the current version of the program
func GetProgramVersion() string {
	if programVersion == "_"+"TAG_" {
		return "dev"
	}
	return programVersion
}
