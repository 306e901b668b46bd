package lcc

// Well-known Message Type Indicators dispatched by the main state
// machine (spec.md §4.6) and referenced by the datagram, event and
// config-mem subprotocols. Values are the conventional OpenLCB MTI
// assignments; only the subset this module's scope actually sends or
// handles is named here.
const (
	MTIInitializationCompleteSimple MTI = 0x0100
	MTIInitializationCompleteFull   MTI = 0x0101
	MTIVerifyNodeIDAddressed        MTI = 0x0488
	MTIVerifyNodeIDGlobal           MTI = 0x0490
	MTIVerifiedNodeIDSimple         MTI = 0x0170
	MTIVerifiedNodeIDFull           MTI = 0x0171
	MTIOptionalInteractionRejected  MTI = 0x0068
	MTITerminateDueToError          MTI = 0x00A8
	MTIProtocolSupportInquiry       MTI = 0x0828
	MTIProtocolSupportReply         MTI = 0x0668

	MTISNIPRequest MTI = 0x0DE8
	MTISNIPReply   MTI = 0x0A08

	MTIEventsIdentifyDest         MTI = 0x0968
	MTIEventsIdentifyGlobal       MTI = 0x0970
	MTIProducerIdentifiedUnknown  MTI = 0x0547
	MTIProducerIdentifiedValid    MTI = 0x0545
	MTIProducerIdentifiedInvalid  MTI = 0x0544
	MTIConsumerIdentifiedUnknown  MTI = 0x04C7
	MTIConsumerIdentifiedValid    MTI = 0x04C5
	MTIConsumerIdentifiedInvalid  MTI = 0x04C4
	MTIProducerRangeIdentified    MTI = 0x0525
	MTIConsumerRangeIdentified    MTI = 0x04A5
	MTIPCEREventReport            MTI = 0x05B4
	MTIPCEREventReportWithPayload MTI = 0x0F16

	MTIDatagram           MTI = 0x1C48
	MTIDatagramReceivedOK MTI = 0x0A28
	MTIDatagramRejected   MTI = 0x0A48

	MTIStreamInitRequest MTI = 0x0CC8
	MTIStreamInitReply   MTI = 0x0CC9
	MTIStreamSend        MTI = 0x1F88
	MTIStreamProceed     MTI = 0x0888
	MTIStreamComplete    MTI = 0x0AA8

	MTITimeStampReport MTI = 0x1F14
)
