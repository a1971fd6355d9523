package remotedata

import "golang.org/x/text/language"

// NewMetadata builds the fetch metadata for a device locale and SDK version.
// Country is recorded only when the tag names a region explicitly.
func NewMetadata(locale language.Tag, sdkVersion string) Metadata {
	m := Metadata{MetadataSDKVersion: sdkVersion}
	if base, conf := locale.Base(); conf != language.No {
		m[MetadataLanguage] = base.String()
	}
	if region, conf := locale.Region(); conf == language.Exact {
		m[MetadataCountry] = region.String()
	}
	return m
}
