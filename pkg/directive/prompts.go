package directive

// UGCNegative steers the model away from a studio or pasted look
const UGCNegative = "studio lighting, commercial, ultra polished, beauty retouch, DSLR, bokeh, " +
	"CGI, 3d render, perfect skin, over-sharpened, over-saturated, HDR, " +
	"watermark, text, caption, logo, subtitles, typography, sticker text, price tag, " +
	"collage, cutout, sticker, pasted, floating object, oversized subject, wrong scale, " +
	"wrong shadow, bad shadow, wrong perspective, floating, sticker-like edges"

const glossyPrompt = "Recreate this as a new social media post image. Keep the core subject and meaning, " +
	"but change composition, background, color grading, lighting, and texture so it looks like a new post. " +
	"No watermark, no extra text."

const glossyMaskPrompt = "Rewrite only the background of the input image. Change the background and props, " +
	"do not change the product itself (keep its shape, proportions, text and logo). " +
	"Cleaner and more polished but still natural: consistent light direction, natural contact shadow, correct perspective, " +
	"no floating or pasted look. No watermark, no text, subtitles or stickers. Do not make the subject larger in the frame."

const ugcMaskTemplate = "Rewrite only the background of the input image. Change the background and props, " +
	"do not change the product itself (keep its shape, proportions, text and logo). " +
	"Replace the background with a realistic, lived-in scene that is not too clean (%s), %s. " +
	"Keep the camera angle and perspective, keep the light direction, natural contact shadow, no floating or pasted look. " +
	"Do not add large objects that cover the subject; no watermark; no text, subtitles or stickers. " +
	"Do not make the subject larger in the frame, keep it the same size or slightly smaller."

const ugcLegacyTemplate = "Restyle this image as a casual phone snapshot in an everyday setting (%s), %s. " +
	"No studio lighting, no commercial retouching, no over-sharpening, no HDR. " +
	"Keep the core subject and meaning but change the background, color tone and light so it looks like the same person shot it elsewhere. " +
	"No watermark, no overlaid text, subtitles, stickers, title bars or price tags (text printed on the packaging may stay). " +
	"The subject must not be larger in the frame than in the original, keep it the same size or slightly smaller. " +
	"Follow real-world physics: correct perspective, consistent light, natural contact shadows, no floating, clipping or pasted look."

var strengthHints = map[string]string{
	"medium":     "with moderate changes",
	"aggressive": "with clearly noticeable changes",
}
