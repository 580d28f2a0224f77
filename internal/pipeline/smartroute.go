package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-pipeline/pkg/docintel"
)

// chooseRoute picks the extraction model for the detected file type.
// PDFs and standard image formats go to the prebuilt invoice model; TIFF
// and BMP scans go through the layout model, whose page analysis handles
// multi-frame and legacy formats better than the invoice model does.
func chooseRoute(_ context.Context, state *State) error {
	if state.FileType == nil {
		return eris.New("pipeline: smart routing requires file type detection")
	}

	switch state.FileType.Extension {
	case "tiff", "bmp":
		state.Route = &Route{
			Model:  docintel.ModelPrebuiltLayout,
			Reason: "scan format " + state.FileType.Extension + " routed to layout model",
		}
	default:
		state.Route = &Route{
			Model:  docintel.ModelPrebuiltInvoice,
			Reason: state.FileType.Extension + " routed to prebuilt invoice model",
		}
	}
	return nil
}
