// Package prompt lays out user text the way the vision-language model expects it.
package prompt

// ImagePlaceholder marks where the image embedding goes in the prompt.
const ImagePlaceholder = "<image_placeholder>"

// Format prepends the image placeholder and a newline to userText.
// Already formatted input is wrapped again.
func Format(userText string) string {
	return ImagePlaceholder + "\n" + userText
}
